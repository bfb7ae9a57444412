package validate

import (
	"strings"
	"testing"

	"github.com/taskcopilot/taskcopilot/pkg/models"
)

func TestActivationMode_ultraworkWithinLimit(t *testing.T) {
	t.Parallel()
	for n := 0; n <= UltraworkSubtaskLimit; n++ {
		res := ActivationMode(models.ModeUltrawork, n)
		if !res.Valid {
			t.Errorf("n=%d: Valid must always be true", n)
		}
		if len(res.Warnings) != 0 {
			t.Errorf("n=%d: got warnings %v, want none", n, res.Warnings)
		}
	}
}

func TestActivationMode_ultraworkExceeded(t *testing.T) {
	t.Parallel()
	res := ActivationMode(models.ModeUltrawork, 4)
	if !res.Valid {
		t.Fatal("Valid must stay true even when exceeded")
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings: got %v", res.Warnings)
	}
	w := res.Warnings[0]
	if !strings.Contains(w, "Subtasks: 4 (limit: 3)") {
		t.Errorf("warning counts: got %q", w)
	}
	if !strings.Contains(w, "Remove 1 subtask(s)") {
		t.Errorf("warning remedy: got %q", w)
	}
	if !strings.Contains(w, "escalate to thorough mode") {
		t.Errorf("warning escalation: got %q", w)
	}
}

func TestActivationMode_ultraworkFarExceeded(t *testing.T) {
	t.Parallel()
	res := ActivationMode(models.ModeUltrawork, 10)
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings: got %v", res.Warnings)
	}
	w := res.Warnings[0]
	if !strings.Contains(w, "Subtasks: 10 (limit: 3)") || !strings.Contains(w, "Remove 7 subtask(s)") {
		t.Errorf("warning: got %q", w)
	}
}

func TestActivationMode_otherModes(t *testing.T) {
	t.Parallel()
	for _, mode := range []string{models.ModeAnalyze, models.ModeQuick, models.ModeThorough, ""} {
		res := ActivationMode(mode, 50)
		if !res.Valid || len(res.Warnings) != 0 {
			t.Errorf("mode %q: got %+v, want valid with no warnings", mode, res)
		}
	}
}
