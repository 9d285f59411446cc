// Package batch loads plan files and schedules their matrix across a
// bounded worker pool. Each item is one session: create, run the single
// iteration, optionally land the branch when the script passes.
package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ampherd/ampherd/pkg/models"
)

// Defaults is the plan-level defaults block. Matrix items override any
// field; unset fields fall back to built-in defaults.
type Defaults struct {
	// BaseBranch is the branch sessions fork from.
	BaseBranch string `yaml:"baseBranch" json:"baseBranch,omitempty"`
	// ScriptCommand runs after the iteration to judge pass/fail.
	ScriptCommand string `yaml:"scriptCommand" json:"scriptCommand,omitempty"`
	// Model pins the agent model.
	Model string `yaml:"model" json:"model,omitempty"`
	// TimeoutSec bounds one item's wall time.
	TimeoutSec int `yaml:"timeoutSec" json:"timeoutSec,omitempty"`
	// Retries re-attempts items that fail with a process error. Script
	// failures and timeouts never retry.
	Retries int `yaml:"retries" json:"retries,omitempty"`
	// MergeOnPass lands the session branch when the script passes.
	MergeOnPass bool `yaml:"mergeOnPass" json:"mergeOnPass,omitempty"`
}

// PlanItem is one repo+prompt cell of the matrix.
type PlanItem struct {
	Repo          string `yaml:"repo"`
	Prompt        string `yaml:"prompt"`
	BaseBranch    string `yaml:"baseBranch"`
	ScriptCommand string `yaml:"scriptCommand"`
	Model         string `yaml:"model"`
	TimeoutSec    int    `yaml:"timeoutSec"`
	// MergeOnPass overrides the defaults block when set.
	MergeOnPass *bool `yaml:"mergeOnPass"`
}

// Plan is a parsed batch plan file.
type Plan struct {
	// RunID pins the run identifier. Empty generates one.
	RunID       string     `yaml:"runId"`
	Concurrency int        `yaml:"concurrency"`
	Defaults    Defaults   `yaml:"defaults"`
	Matrix      []PlanItem `yaml:"matrix"`
}

// LoadPlan reads and validates a plan file. YAML and JSON both parse;
// JSON is a YAML subset.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.OpError{
			Kind: models.ErrPlanInvalid,
			Op:   "batch.load_plan",
			Path: path,
			Err:  err,
		}
	}
	plan, err := ParsePlan(data)
	if err != nil {
		var oe *models.OpError
		if errors.As(err, &oe) {
			oe.Path = path
		}
		return nil, err
	}
	return plan, nil
}

// ParsePlan parses and validates plan bytes.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, planErr("plan does not parse", err)
	}
	if err := plan.validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Plan) validate() error {
	if p.Concurrency < 0 {
		return planErr(fmt.Sprintf("concurrency %d is negative", p.Concurrency), nil)
	}
	if len(p.Matrix) == 0 {
		return planErr("matrix is empty", nil)
	}
	if p.Defaults.Retries < 0 {
		return planErr("retries is negative", nil)
	}
	if p.Defaults.TimeoutSec < 0 {
		return planErr("defaults.timeoutSec is negative", nil)
	}
	for i, it := range p.Matrix {
		if it.Repo == "" {
			return planErr(fmt.Sprintf("matrix[%d] has no repo", i), nil)
		}
		if !filepath.IsAbs(it.Repo) {
			return planErr(fmt.Sprintf("matrix[%d] repo %q is not absolute", i, it.Repo), nil)
		}
		if it.Prompt == "" {
			return planErr(fmt.Sprintf("matrix[%d] has no prompt", i), nil)
		}
		if it.TimeoutSec < 0 {
			return planErr(fmt.Sprintf("matrix[%d] timeoutSec is negative", i), nil)
		}
	}
	return nil
}

// resolved is an item with every default applied.
type resolved struct {
	Repo          string
	Prompt        string
	BaseBranch    string
	ScriptCommand string
	Model         string
	TimeoutSec    int
	MergeOnPass   bool
}

// resolve applies the defaults block to one matrix item.
func (p *Plan) resolve(it PlanItem) resolved {
	r := resolved{
		Repo:          it.Repo,
		Prompt:        it.Prompt,
		BaseBranch:    firstNonEmpty(it.BaseBranch, p.Defaults.BaseBranch),
		ScriptCommand: firstNonEmpty(it.ScriptCommand, p.Defaults.ScriptCommand),
		Model:         firstNonEmpty(it.Model, p.Defaults.Model),
		TimeoutSec:    it.TimeoutSec,
		MergeOnPass:   p.Defaults.MergeOnPass,
	}
	if r.TimeoutSec == 0 {
		r.TimeoutSec = p.Defaults.TimeoutSec
	}
	if it.MergeOnPass != nil {
		r.MergeOnPass = *it.MergeOnPass
	}
	return r
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func planErr(msg string, cause error) error {
	err := cause
	if err == nil {
		err = errors.New(msg)
	} else {
		err = fmt.Errorf("%s: %w", msg, cause)
	}
	return &models.OpError{
		Kind: models.ErrPlanInvalid,
		Op:   "batch.load_plan",
		Err:  err,
	}
}
