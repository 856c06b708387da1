package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"sopdesk/internal/util"
	"sopdesk/pkg/domain"
	"sopdesk/pkg/store"
)

// Notifier delivers the submission acknowledgement. Failures are reported
// through the boolean only.
type Notifier interface {
	Notify(ctx context.Context, req domain.SopRequest, requestID int64) bool
}

// Config wires the application dependencies.
type Config struct {
	Requests  store.RequestStore
	Directory store.EmployeeDirectory
	Notifier  Notifier
}

// App orchestrates the request lifecycle on top of the store.
type App struct {
	requests  store.RequestStore
	directory store.EmployeeDirectory
	notifier  Notifier
}

// SubmitResult is the outcome of a submission. The stored request is
// authoritative even when EmailSent is false.
type SubmitResult struct {
	Request   domain.SopRequest
	EmailSent bool
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Requests == nil {
		return nil, errors.New("request store required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("employee directory required")
	}
	return &App{
		requests:  cfg.Requests,
		directory: cfg.Directory,
		notifier:  cfg.Notifier,
	}, nil
}

// SuggestEmployees returns roster matches for an email prefix.
func (a *App) SuggestEmployees(ctx context.Context, prefix string) ([]domain.Employee, error) {
	res, err := a.directory.Suggest(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("suggest employees: %w", err)
	}
	return res, nil
}

// CountRequests returns the number of stored requests.
func (a *App) CountRequests(ctx context.Context) (int64, error) {
	count, err := a.requests.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return count, nil
}

// RecentRequests returns the newest requests for the history view.
func (a *App) RecentRequests(ctx context.Context) ([]domain.SopRequest, error) {
	res, err := a.requests.ListRecent(ctx, store.MaxRecent)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return res, nil
}

// Submit stores a new request, then attempts one notification. A failed
// notification never undoes the stored request.
func (a *App) Submit(ctx context.Context, req domain.SopRequest) (SubmitResult, error) {
	req = normalizeSubmission(req)
	if err := validateSubmission(req); err != nil {
		return SubmitResult{}, err
	}
	created, err := a.requests.Create(ctx, req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create request: %w", err)
	}
	logger := util.LoggerFromContext(ctx)
	logger.Info("sop request stored", "request_id_db", created.ID, "email", created.Email)

	sent := false
	if a.notifier != nil {
		sent = a.notifier.Notify(ctx, created, created.ID)
	}
	if !sent {
		logger.Warn("sop request stored without notification", "request_id_db", created.ID)
	}
	return SubmitResult{Request: created, EmailSent: sent}, nil
}

// UpdateStatus changes status and reason of an existing request.
func (a *App) UpdateStatus(ctx context.Context, id int64, status domain.RequestStatus, reason string) (domain.StatusUpdate, error) {
	status = domain.RequestStatus(strings.TrimSpace(string(status)))
	reason = strings.TrimSpace(reason)
	if id <= 0 || status == "" || reason == "" {
		return domain.StatusUpdate{}, invalidInput("Missing 'request_id', 'new_status', or 'reason'.")
	}
	update, err := a.requests.UpdateStatus(ctx, id, status, reason)
	if err != nil {
		return domain.StatusUpdate{}, fmt.Errorf("update status of %d: %w", id, err)
	}
	util.LoggerFromContext(ctx).Info("sop status updated", "request_id_db", id, "status", string(status))
	return update, nil
}

// UpdateAssignment reassigns an existing request.
func (a *App) UpdateAssignment(ctx context.Context, id int64, assignedTo string) (time.Time, error) {
	assignedTo = strings.TrimSpace(assignedTo)
	if id <= 0 || assignedTo == "" {
		return time.Time{}, invalidInput("Missing 'request_id' or 'assigned_to'.")
	}
	lastUpdated, err := a.requests.UpdateAssignment(ctx, id, assignedTo)
	if err != nil {
		return time.Time{}, fmt.Errorf("update assignment of %d: %w", id, err)
	}
	util.LoggerFromContext(ctx).Info("sop assignment updated", "request_id_db", id, "assigned_to", assignedTo)
	return lastUpdated, nil
}

func normalizeSubmission(req domain.SopRequest) domain.SopRequest {
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	req.Manager = strings.TrimSpace(req.Manager)
	req.AuthType = strings.TrimSpace(req.AuthType)
	req.Status = domain.RequestStatus(strings.TrimSpace(string(req.Status)))
	req.AssignedTo = strings.TrimSpace(req.AssignedTo)
	if req.Attachment != nil && strings.TrimSpace(req.Attachment.Filename) == "" {
		req.Attachment = nil
	}
	return req
}

func validateSubmission(req domain.SopRequest) error {
	if req.Email == "" {
		return invalidInput("email is required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return invalidInput("email is not a valid address")
	}
	if req.Attachment != nil && req.Attachment.Size < 0 {
		return invalidInput("attachment size must not be negative")
	}
	return nil
}
