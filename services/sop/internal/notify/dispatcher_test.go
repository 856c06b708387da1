package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sopdesk/internal/metrics"
	"sopdesk/pkg/domain"
	"sopdesk/pkg/store"
)

type capturedMessage struct {
	Auth string
	Body message
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, *atomic.Pointer[capturedMessage]) {
	t.Helper()
	var last atomic.Pointer[capturedMessage]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode message: %v", err)
		}
		last.Store(&capturedMessage{Auth: r.Header.Get("Authorization"), Body: msg})
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"id":"msg-1"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func assertNotifications(t *testing.T, m *metrics.Metrics, outcome string, want int) {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	line := fmt.Sprintf(`sopdesk_notifications_total{outcome=%q} %d`, outcome, want)
	if !strings.Contains(string(body), line) {
		t.Fatalf("expected %q in exposition:\n%s", line, body)
	}
}

func testSettings(endpoint string) Settings {
	return Settings{
		Endpoint:    endpoint,
		APIKey:      "key-123",
		FromAddress: "noreply@example.com",
		FromName:    "SOP Desk",
		Timeout:     2 * time.Second,
	}
}

func storedRequest(t *testing.T, s *store.MemoryStore, req domain.SopRequest) domain.SopRequest {
	t.Helper()
	created, err := s.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return created
}

func TestNotifySendsMessageToRequester(t *testing.T) {
	srv, last := newCaptureServer(t, http.StatusAccepted)
	s := store.NewMemoryStore()
	m := metrics.New()
	req := storedRequest(t, s, domain.SopRequest{
		Email:            "a@x.com",
		Name:             "A",
		Manager:          "Boss",
		ShortDescription: "db access",
		AuthType:         "SSO",
		Attachment:       &domain.AttachmentInfo{Filename: "a.pdf", Size: 1024},
	})

	d := New(testSettings(srv.URL), s, s, m)
	if !d.Notify(context.Background(), req, req.ID) {
		t.Fatalf("expected notification to be sent")
	}
	got := last.Load()
	if got == nil {
		t.Fatalf("message api not called")
	}
	if got.Auth != "Bearer key-123" {
		t.Fatalf("unexpected auth header: %q", got.Auth)
	}
	if len(got.Body.To) != 1 || got.Body.To[0].Email != "a@x.com" {
		t.Fatalf("unexpected recipients: %+v", got.Body.To)
	}
	if len(got.Body.Cc) != 0 {
		t.Fatalf("manager must not be copied by default: %+v", got.Body.Cc)
	}
	if got.Body.From.Email != "noreply@example.com" {
		t.Fatalf("unexpected sender: %+v", got.Body.From)
	}
	if !strings.Contains(got.Body.Text, "Attachment: a.pdf (1024 bytes)") {
		t.Fatalf("attachment summary missing from text: %q", got.Body.Text)
	}
	if !strings.Contains(got.Body.HTML, "a.pdf (1024 bytes)") {
		t.Fatalf("attachment summary missing from html")
	}
	if !strings.Contains(got.Body.Subject, "db access") {
		t.Fatalf("unexpected subject: %q", got.Body.Subject)
	}
	assertNotifications(t, m, metrics.OutcomeSent, 1)
}

func TestNotifyUsesStoredAuthType(t *testing.T) {
	srv, last := newCaptureServer(t, http.StatusOK)
	s := store.NewMemoryStore()
	req := storedRequest(t, s, domain.SopRequest{Email: "a@x.com", AuthType: "Kerberos"})
	req.AuthType = "edited-in-payload"

	d := New(testSettings(srv.URL), s, nil, nil)
	if !d.Notify(context.Background(), req, req.ID) {
		t.Fatalf("expected notification to be sent")
	}
	if text := last.Load().Body.Text; !strings.Contains(text, "Authorization type: Kerberos") {
		t.Fatalf("expected stored auth type, got %q", text)
	}
}

type failingAuthTypes struct{}

func (failingAuthTypes) AuthType(context.Context, int64) (string, error) {
	return "", errors.New("db down")
}

func TestNotifyFallsBackToPayloadAuthType(t *testing.T) {
	srv, last := newCaptureServer(t, http.StatusOK)
	req := domain.SopRequest{ID: 3, Email: "a@x.com", AuthType: "SSO"}

	d := New(testSettings(srv.URL), failingAuthTypes{}, nil, nil)
	if !d.Notify(context.Background(), req, req.ID) {
		t.Fatalf("expected notification to be sent")
	}
	if text := last.Load().Body.Text; !strings.Contains(text, "Authorization type: SSO") {
		t.Fatalf("expected payload auth type, got %q", text)
	}
}

func TestNotifyCopiesManagerWhenEnabled(t *testing.T) {
	srv, last := newCaptureServer(t, http.StatusOK)
	s := store.NewMemoryStore(domain.Employee{Email: "boss@x.com", Name: "Boss"})
	req := storedRequest(t, s, domain.SopRequest{Email: "a@x.com", Manager: "Boss"})

	settings := testSettings(srv.URL)
	settings.CCManager = true
	d := New(settings, s, s, nil)
	if !d.Notify(context.Background(), req, req.ID) {
		t.Fatalf("expected notification to be sent")
	}
	cc := last.Load().Body.Cc
	if len(cc) != 1 || cc[0].Email != "boss@x.com" {
		t.Fatalf("expected manager cc, got %+v", cc)
	}
}

func TestNotifyIncompleteSettingsFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	m := metrics.New()

	settings := testSettings(srv.URL)
	settings.APIKey = ""
	d := New(settings, nil, nil, m)
	if d.Notify(context.Background(), domain.SopRequest{Email: "a@x.com"}, 1) {
		t.Fatalf("expected failure with missing api key")
	}
	if calls.Load() != 0 {
		t.Fatalf("message api must not be called without settings")
	}
	assertNotifications(t, m, metrics.OutcomeMisconfigured, 1)
}

func TestNotifyRejectedByAPI(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusUnauthorized)
	m := metrics.New()

	d := New(testSettings(srv.URL), nil, nil, m)
	if d.Notify(context.Background(), domain.SopRequest{Email: "a@x.com"}, 1) {
		t.Fatalf("expected failure on non-2xx")
	}
	assertNotifications(t, m, metrics.OutcomeRejected, 1)
}

func TestNotifyUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()
	m := metrics.New()

	d := New(testSettings(endpoint), nil, nil, m)
	if d.Notify(context.Background(), domain.SopRequest{Email: "a@x.com"}, 1) {
		t.Fatalf("expected failure for unreachable endpoint")
	}
	assertNotifications(t, m, metrics.OutcomeTransport, 1)
}
