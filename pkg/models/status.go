package models

// Task statuses used throughout the codebase.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusCompleted  = "completed"
)

// Checkpoint triggers.
const (
	TriggerManual            = "manual"
	TriggerAutomatic         = "automatic"
	TriggerContextExhaustion = "context_exhaustion"
	TriggerError             = "error"
)

// Activation modes (declared work-style constraints on task structure).
const (
	ModeAnalyze   = "analyze"
	ModeQuick     = "quick"
	ModeThorough  = "thorough"
	ModeUltrawork = "ultrawork"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultSSEChannelBuffer    = 256
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusCompleted:
		return true
	}
	return false
}

// ValidTrigger reports whether t is a known checkpoint trigger.
func ValidTrigger(t string) bool {
	switch t {
	case TriggerManual, TriggerAutomatic, TriggerContextExhaustion, TriggerError:
		return true
	}
	return false
}
