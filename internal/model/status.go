package model

// Backup run status constants.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusActive   = "active"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// IsTerminal reports whether a run in status s has finished.
func IsTerminal(s string) bool {
	switch s {
	case StatusActive, StatusFailed, StatusCanceled:
		return true
	}
	return false
}
