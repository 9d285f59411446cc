package batch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ampherd/ampherd/pkg/models"
)

const validPlan = `
concurrency: 3
defaults:
  baseBranch: main
  scriptCommand: make test
  timeoutSec: 600
  retries: 1
  mergeOnPass: true
matrix:
  - repo: /tmp/repo-a
    prompt: fix the login bug
  - repo: /tmp/repo-b
    prompt: add pagination
    model: fast-1
    timeoutSec: 120
    mergeOnPass: false
`

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(validPlan))
	if err != nil {
		t.Fatal(err)
	}
	if plan.Concurrency != 3 || len(plan.Matrix) != 2 {
		t.Fatalf("plan = %+v", plan)
	}

	a := plan.resolve(plan.Matrix[0])
	if a.BaseBranch != "main" || a.ScriptCommand != "make test" || a.TimeoutSec != 600 {
		t.Errorf("defaults not applied: %+v", a)
	}
	if !a.MergeOnPass {
		t.Error("defaults.mergeOnPass not applied")
	}

	b := plan.resolve(plan.Matrix[1])
	if b.Model != "fast-1" || b.TimeoutSec != 120 {
		t.Errorf("item overrides lost: %+v", b)
	}
	if b.MergeOnPass {
		t.Error("item mergeOnPass override lost")
	}
}

func TestParsePlanAcceptsJSON(t *testing.T) {
	data := `{"concurrency": 1, "matrix": [{"repo": "/tmp/r", "prompt": "p"}]}`
	plan, err := ParsePlan([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Matrix) != 1 || plan.Matrix[0].Repo != "/tmp/r" {
		t.Errorf("plan = %+v", plan)
	}
}

func TestParsePlanRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty matrix":         "concurrency: 2\nmatrix: []\n",
		"missing repo":         "matrix:\n  - prompt: p\n",
		"missing prompt":       "matrix:\n  - repo: /tmp/r\n",
		"relative repo":        "matrix:\n  - repo: ./r\n    prompt: p\n",
		"negative concurrency": "concurrency: -1\nmatrix:\n  - repo: /tmp/r\n    prompt: p\n",
		"negative retries":     "defaults:\n  retries: -1\nmatrix:\n  - repo: /tmp/r\n    prompt: p\n",
		"not yaml":             "matrix: [unterminated",
	}
	for name, data := range cases {
		if _, err := ParsePlan([]byte(data)); !models.IsKind(err, models.ErrPlanInvalid) {
			t.Errorf("%s: err = %v, want plan_invalid", name, err)
		}
	}
}

func TestLoadPlanMissingFile(t *testing.T) {
	_, err := LoadPlan(filepath.Join(t.TempDir(), "nope.yaml"))
	if !models.IsKind(err, models.ErrPlanInvalid) {
		t.Fatalf("err = %v, want plan_invalid", err)
	}
}

func TestLoadPlanFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(validPlan), 0o644); err != nil {
		t.Fatal(err)
	}
	plan, err := LoadPlan(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Matrix) != 2 {
		t.Errorf("items = %d", len(plan.Matrix))
	}
}
