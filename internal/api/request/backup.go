package request

// CreateBackup starts a background backup. WithUploads defaults to the
// configured backup.with_uploads when omitted.
type CreateBackup struct {
	RequestedBy  string `json:"requested_by" validate:"omitempty,max=255"`
	PathOverride string `json:"path_override" validate:"omitempty,max=1024,backuppath"`
	WithUploads  *bool  `json:"with_uploads"`
	Ticket       string `json:"ticket" validate:"omitempty,max=255"`
}
