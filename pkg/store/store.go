package store

import (
	"context"
	"strings"
	"time"

	"sopdesk/pkg/domain"
)

const (
	// MaxRecent caps ListRecent.
	MaxRecent = 50
	// MaxSuggestions caps Suggest.
	MaxSuggestions = 10
	// MinPrefixLen is the shortest prefix Suggest will query for.
	MinPrefixLen = 2
)

// RequestStore persists SOP requests. Every write runs in its own transaction
// and either commits fully or leaves the table untouched.
type RequestStore interface {
	Create(ctx context.Context, req domain.SopRequest) (domain.SopRequest, error)
	Count(ctx context.Context) (int64, error)
	// ListRecent returns newest first. Rows sharing created_at are ordered by
	// id descending; callers must not rely on that beyond "stable".
	ListRecent(ctx context.Context, limit int) ([]domain.SopRequest, error)
	UpdateStatus(ctx context.Context, id int64, status domain.RequestStatus, reason string) (domain.StatusUpdate, error)
	UpdateAssignment(ctx context.Context, id int64, assignedTo string) (time.Time, error)
	// AuthType re-reads the stored auth type of a request.
	AuthType(ctx context.Context, id int64) (string, error)
}

// EmployeeDirectory reads the externally owned employee roster.
type EmployeeDirectory interface {
	// Suggest returns at most MaxSuggestions case-insensitive prefix matches in
	// storage order. Prefixes shorter than MinPrefixLen return nothing.
	Suggest(ctx context.Context, prefix string) ([]domain.Employee, error)
	// ResolveManagerEmail returns the email of the first employee whose name
	// matches exactly. Duplicate names resolve to an arbitrary row.
	ResolveManagerEmail(ctx context.Context, managerName string) (string, bool, error)
}

// NormalizePrefix lower-cases and trims an autocomplete prefix and reports
// whether it is long enough to query.
func NormalizePrefix(prefix string) (string, bool) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	return prefix, len([]rune(prefix)) >= MinPrefixLen
}

// ClampRecent bounds a requested page size to (0, MaxRecent].
func ClampRecent(limit int) int {
	if limit <= 0 || limit > MaxRecent {
		return MaxRecent
	}
	return limit
}

// prepareNew applies creation defaults and stamps both timestamps with now.
func prepareNew(req domain.SopRequest, now time.Time) domain.SopRequest {
	req.ID = 0
	if strings.TrimSpace(string(req.Status)) == "" {
		req.Status = domain.StatusSubmitted
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = domain.DefaultReason
	}
	if strings.TrimSpace(req.AssignedTo) == "" {
		req.AssignedTo = domain.DefaultAssignedTo
	}
	req.CreatedAt = now
	req.LastUpdated = now
	req.CompletedOn = nil
	return req
}

func validateStatusUpdate(id int64, status domain.RequestStatus, reason string) error {
	if id <= 0 {
		return invalidArgument("request id must be positive")
	}
	if strings.TrimSpace(string(status)) == "" {
		return invalidArgument("status is required")
	}
	if strings.TrimSpace(reason) == "" {
		return invalidArgument("reason is required")
	}
	return nil
}

func validateAssignment(id int64, assignedTo string) error {
	if id <= 0 {
		return invalidArgument("request id must be positive")
	}
	if strings.TrimSpace(assignedTo) == "" {
		return invalidArgument("assignee is required")
	}
	return nil
}

// systemClock truncates to microseconds so returned timestamps equal what
// Postgres keeps.
func systemClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
