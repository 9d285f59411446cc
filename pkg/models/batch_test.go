package models

import "testing"

func TestBatchItemStatus_Terminal(t *testing.T) {
	tests := []struct {
		name   string
		status BatchItemStatus
		want   bool
	}{
		{"queued is not terminal", ItemQueued, false},
		{"running is not terminal", ItemRunning, false},
		{"success is terminal", ItemSuccess, true},
		{"fail is terminal", ItemFail, true},
		{"error is terminal", ItemError, true},
		{"timeout is terminal", ItemTimeout, true},
		{"aborted is terminal", ItemAborted, true},
		{"unknown is not terminal", BatchItemStatus("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("BatchItemStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestBatchItemStatus_Retryable(t *testing.T) {
	if !ItemError.Retryable() {
		t.Error("error items should be retryable")
	}
	for _, s := range []BatchItemStatus{ItemFail, ItemTimeout, ItemAborted, ItemSuccess, ItemQueued, ItemRunning} {
		if s.Retryable() {
			t.Errorf("BatchItemStatus(%q) should not be retryable", s)
		}
	}
}

func TestBatchRunStatus_Valid(t *testing.T) {
	for _, s := range []BatchRunStatus{BatchRunning, BatchCompleted, BatchAborted} {
		if !s.Valid() {
			t.Errorf("BatchRunStatus(%q) should be valid", s)
		}
	}
	if BatchRunStatus("paused").Valid() {
		t.Error("BatchRunStatus(\"paused\") should not be valid")
	}
}

func TestMergeResult_Terminal(t *testing.T) {
	if MergeInProgress.Terminal() {
		t.Error("in_progress should not be terminal")
	}
	for _, r := range []MergeResult{MergeSuccess, MergeConflict, MergeAborted, MergeError} {
		if !r.Terminal() {
			t.Errorf("MergeResult(%q) should be terminal", r)
		}
	}
	if MergeResult("bogus").Terminal() {
		t.Error("unknown result should not be terminal")
	}
}
