package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sopdesk/internal/metrics"
	"sopdesk/internal/util"
	"sopdesk/pkg/domain"
)

const defaultTimeout = 10 * time.Second

// errIncomplete marks a dispatch skipped because settings are missing.
var errIncomplete = errors.New("notification settings incomplete")

// Settings configures the transactional-message API. The value is fixed at
// construction; completeness is checked on every send.
type Settings struct {
	Endpoint    string
	APIKey      string
	FromAddress string
	FromName    string
	Timeout     time.Duration
	CCManager   bool
}

func (s Settings) complete() bool {
	return strings.TrimSpace(s.Endpoint) != "" &&
		strings.TrimSpace(s.APIKey) != "" &&
		strings.TrimSpace(s.FromAddress) != ""
}

// AuthTypeSource re-reads the stored auth type of a request.
type AuthTypeSource interface {
	AuthType(ctx context.Context, id int64) (string, error)
}

// ManagerResolver maps a manager name to an email address.
type ManagerResolver interface {
	ResolveManagerEmail(ctx context.Context, managerName string) (string, bool, error)
}

// APIError represents a non-2xx answer from the message API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("message api returned %d: %s", e.Status, e.Message)
}

// Dispatcher sends the submission acknowledgement. It never returns an error:
// callers only learn whether the message was accepted.
type Dispatcher struct {
	settings   Settings
	httpClient *http.Client
	requests   AuthTypeSource
	directory  ManagerResolver
	metrics    *metrics.Metrics
}

// New constructs a dispatcher. directory may be nil when CCManager is off.
func New(settings Settings, requests AuthTypeSource, directory ManagerResolver, m *metrics.Metrics) *Dispatcher {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		settings:   settings,
		httpClient: &http.Client{Timeout: timeout},
		requests:   requests,
		directory:  directory,
		metrics:    m,
	}
}

// Notify sends one message for a freshly stored request and reports whether
// the API accepted it. At most one attempt is made.
func (d *Dispatcher) Notify(ctx context.Context, req domain.SopRequest, requestID int64) bool {
	logger := util.LoggerFromContext(ctx).With("request_id_db", requestID, "recipient", req.Email)
	if !d.settings.complete() {
		logger.Warn("notification skipped", "err", errIncomplete)
		d.metrics.Notification(metrics.OutcomeMisconfigured)
		return false
	}
	if strings.TrimSpace(req.Email) == "" {
		logger.Warn("notification skipped", "err", "requester email is empty")
		d.metrics.Notification(metrics.OutcomeMisconfigured)
		return false
	}

	msg, err := d.buildMessage(ctx, req, requestID)
	if err != nil {
		logger.Error("notification render failed", "err", err)
		d.metrics.Notification(metrics.OutcomeMisconfigured)
		return false
	}
	if err := d.send(ctx, msg); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			logger.Error("notification rejected", "status", apiErr.Status, "err", err)
			d.metrics.Notification(metrics.OutcomeRejected)
		} else {
			logger.Error("notification send failed", "err", err)
			d.metrics.Notification(metrics.OutcomeTransport)
		}
		return false
	}
	logger.Info("notification sent")
	d.metrics.Notification(metrics.OutcomeSent)
	return true
}

func (d *Dispatcher) buildMessage(ctx context.Context, req domain.SopRequest, requestID int64) (message, error) {
	view := messageView{
		RequestID:           requestID,
		Name:                req.Name,
		Email:               req.Email,
		Manager:             req.Manager,
		ShortDescription:    req.ShortDescription,
		DetailedDescription: req.DetailedDescription,
		AuthType:            d.canonicalAuthType(ctx, req, requestID),
		FurtherAuthInfo:     req.FurtherAuthInfo,
		DBAccess:            req.DBAccess,
		DBDetails:           req.DBDetails,
		Attachment:          req.Attachment.Summary(),
		Status:              string(req.Status),
		AssignedTo:          req.AssignedTo,
		SubmittedAt:         req.CreatedAt.UTC().Format(domain.TimeFormatHistory),
	}
	html, err := renderHTML(view)
	if err != nil {
		return message{}, err
	}
	msg := message{
		From:    address{Email: d.settings.FromAddress, Name: d.settings.FromName},
		To:      []address{{Email: req.Email, Name: req.Name}},
		Subject: subjectFor(view),
		HTML:    html,
		Text:    renderText(view),
	}
	if cc, ok := d.managerAddress(ctx, req); ok {
		msg.Cc = []address{cc}
	}
	return msg, nil
}

// canonicalAuthType prefers the stored value and falls back to the payload.
func (d *Dispatcher) canonicalAuthType(ctx context.Context, req domain.SopRequest, requestID int64) string {
	if d.requests == nil {
		return req.AuthType
	}
	authType, err := d.requests.AuthType(ctx, requestID)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("auth type re-fetch failed, using payload value", "request_id_db", requestID, "err", err)
		return req.AuthType
	}
	if strings.TrimSpace(authType) == "" {
		return req.AuthType
	}
	return authType
}

func (d *Dispatcher) managerAddress(ctx context.Context, req domain.SopRequest) (address, bool) {
	if !d.settings.CCManager || d.directory == nil || strings.TrimSpace(req.Manager) == "" {
		return address{}, false
	}
	email, ok, err := d.directory.ResolveManagerEmail(ctx, req.Manager)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("manager lookup failed", "manager", req.Manager, "err", err)
		return address{}, false
	}
	if !ok || strings.EqualFold(email, req.Email) {
		return address{}, false
	}
	return address{Email: email, Name: req.Manager}, true
}

func (d *Dispatcher) send(ctx context.Context, msg message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.settings.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.settings.APIKey)
	if requestID := util.RequestIDFromContext(ctx); requestID != "" {
		httpReq.Header.Set(util.RequestIDHeader, requestID)
	}
	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
