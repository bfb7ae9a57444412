// Package validate holds structural checks on task shape. Validators are
// advisory: they never block persistence, they only attach warnings.
package validate

import (
	"fmt"

	"github.com/taskcopilot/taskcopilot/pkg/models"
)

// UltraworkSubtaskLimit is the maximum direct subtask count for a task in
// ultrawork mode. Only first-level children count; grandchildren never do.
const UltraworkSubtaskLimit = 3

// Result is the validator verdict. Valid is always true, only Warnings
// varies.
type Result struct {
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings"`
}

// ActivationMode checks a task's activation mode against its direct subtask
// count. analyze, quick, and thorough impose no constraint; ultrawork caps
// direct subtasks at UltraworkSubtaskLimit.
func ActivationMode(mode string, directSubtasks int) Result {
	res := Result{Valid: true, Warnings: []string{}}
	if mode != models.ModeUltrawork {
		return res
	}
	if directSubtasks <= UltraworkSubtaskLimit {
		return res
	}
	excess := directSubtasks - UltraworkSubtaskLimit
	res.Warnings = append(res.Warnings, fmt.Sprintf(
		"ultrawork mode exceeded. Subtasks: %d (limit: %d). Remove %d subtask(s), split this task into separate tasks, or escalate to thorough mode.",
		directSubtasks, UltraworkSubtaskLimit, excess))
	return res
}
