package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoToken is returned when no agent token is configured anywhere.
var ErrNoToken = errors.New("no agent token configured")

// TokenSource names where the agent token was resolved from.
type TokenSource string

const (
	TokenSourceEnv     TokenSource = "environment"
	TokenSourceConfig  TokenSource = "config_file"
	TokenSourceAuthCmd TokenSource = "auth_cmd"
	TokenSourceNone    TokenSource = "none"
)

// Token returns the agent token. It checks, in order: the AMP_TOKEN
// environment variable, then the config file. Tokens produced by an auth
// command are injected by the agent adapter at spawn time and do not pass
// through here. The returned value must never be logged unredacted.
func Token(cfg *Config) (string, error) {
	if token := os.Getenv("AMP_TOKEN"); token != "" {
		return token, nil
	}

	if cfg != nil && cfg.Agent.Token != "" {
		token := os.ExpandEnv(cfg.Agent.Token)
		if token != "" && !strings.HasPrefix(token, "${") {
			return token, nil
		}
	}

	return "", ErrNoToken
}

// GetTokenSource returns where the agent token would be resolved from.
func GetTokenSource(cfg *Config) TokenSource {
	if os.Getenv("AMP_TOKEN") != "" {
		return TokenSourceEnv
	}

	if cfg != nil && cfg.Agent.Token != "" {
		token := os.ExpandEnv(cfg.Agent.Token)
		if token != "" && !strings.HasPrefix(token, "${") {
			return TokenSourceConfig
		}
	}

	if cfg != nil && cfg.Agent.AuthCmd != "" {
		return TokenSourceAuthCmd
	}

	return TokenSourceNone
}
