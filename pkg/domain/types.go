package domain

import (
	"fmt"
	"time"
)

// RequestStatus is an open set; only Submitted and Completed carry meaning
// for the lifecycle.
type RequestStatus string

const (
	StatusSubmitted RequestStatus = "Submitted"
	StatusCompleted RequestStatus = "Completed"
)

const (
	DefaultReason     = "Initial submission."
	DefaultAssignedTo = "Unassigned"
)

// Wire formats for timestamps. Creation and update responses use ISO 8601
// with a literal Z; the history listing uses a plain human-readable form.
const (
	TimeFormatISO     = "2006-01-02T15:04:05Z"
	TimeFormatHistory = "2006-01-02 15:04:05"
)

// Employee is a row of the externally owned roster.
type Employee struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	ManagerName string `json:"manager"`
}

// AttachmentInfo describes a file the requester attached in the form.
// Only the metadata is persisted.
type AttachmentInfo struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Summary renders the attachment line used in notifications.
func (a *AttachmentInfo) Summary() string {
	if a == nil || a.Filename == "" {
		return "No attachment"
	}
	return fmt.Sprintf("%s (%d bytes)", a.Filename, a.Size)
}

// SopRequest is one tracked access request.
type SopRequest struct {
	ID                  int64           `json:"id"`
	Email               string          `json:"email"`
	Name                string          `json:"name"`
	Manager             string          `json:"manager"`
	ShortDescription    string          `json:"shortDescription"`
	DetailedDescription string          `json:"detailedDescription"`
	AuthType            string          `json:"authType"`
	FurtherAuthInfo     string          `json:"furtherAuthInfo"`
	DBAccess            string          `json:"dbAccess"`
	DBDetails           string          `json:"dbDetails"`
	Attachment          *AttachmentInfo `json:"attachment_info,omitempty"`
	Status              RequestStatus   `json:"status"`
	Reason              string          `json:"reason"`
	AssignedTo          string          `json:"assigned_to"`
	CreatedAt           time.Time       `json:"createdAt"`
	LastUpdated         time.Time       `json:"lastUpdated"`
	CompletedOn         *time.Time      `json:"completedOn,omitempty"`
}

// StatusUpdate carries the timestamps written by a status change.
type StatusUpdate struct {
	ID          int64
	Status      RequestStatus
	LastUpdated time.Time
	CompletedOn *time.Time
}
