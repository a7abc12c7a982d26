package model

import "time"

// Backup is one row of run history.
type Backup struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Filename      string     `json:"filename,omitempty"`
	StoragePath   string     `json:"storage_path,omitempty"`
	SizeBytes     int64      `json:"size_bytes"`
	Checksum      string     `json:"checksum,omitempty"`
	RequestedBy   string     `json:"requested_by"`
	Status        string     `json:"status"`
	StatusMessage *string    `json:"status_message,omitempty"`
	Warnings      bool       `json:"warnings"`
	Logs          string     `json:"logs,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
