package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sopdesk/pkg/domain"
)

// MemoryStore keeps requests and the roster in-process. Used by tests and
// local runs without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	requests  map[int64]domain.SopRequest
	employees []domain.Employee
	clock     func() time.Time
	failWith  error
	dirReads  int
}

var (
	_ RequestStore      = (*MemoryStore)(nil)
	_ EmployeeDirectory = (*MemoryStore)(nil)
)

// NewMemoryStore initializes an empty store seeded with the given employees.
func NewMemoryStore(employees ...domain.Employee) *MemoryStore {
	return &MemoryStore{
		nextID:    1,
		requests:  make(map[int64]domain.SopRequest),
		employees: append([]domain.Employee(nil), employees...),
		clock:     systemClock,
	}
}

// SetClock replaces the time source.
func (m *MemoryStore) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// FailWith makes every following call return err until cleared with nil.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// DirectoryReads reports how many roster queries reached the store.
func (m *MemoryStore) DirectoryReads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirReads
}

// Get returns a stored request.
func (m *MemoryStore) Get(id int64) (domain.SopRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.SopRequest{}, false
	}
	return cloneRequest(req), true
}

func (m *MemoryStore) Create(_ context.Context, req domain.SopRequest) (domain.SopRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return domain.SopRequest{}, classify("create request", m.failWith)
	}
	req = prepareNew(cloneRequest(req), m.clock())
	req.ID = m.nextID
	m.nextID++
	m.requests[req.ID] = req
	return cloneRequest(req), nil
}

func (m *MemoryStore) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return 0, classify("count requests", m.failWith)
	}
	return int64(len(m.requests)), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]domain.SopRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, classify("list requests", m.failWith)
	}
	res := make([]domain.SopRequest, 0, len(m.requests))
	for _, req := range m.requests {
		res = append(res, cloneRequest(req))
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	if limit = ClampRecent(limit); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id int64, status domain.RequestStatus, reason string) (domain.StatusUpdate, error) {
	if err := validateStatusUpdate(id, status, reason); err != nil {
		return domain.StatusUpdate{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return domain.StatusUpdate{}, classify("update status", m.failWith)
	}
	req, ok := m.requests[id]
	if !ok {
		return domain.StatusUpdate{}, fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	now := m.clock()
	update := domain.StatusUpdate{ID: id, Status: status, LastUpdated: now}
	req.Status = status
	req.Reason = reason
	req.LastUpdated = now
	if status == domain.StatusCompleted {
		completed := now
		req.CompletedOn = &completed
		update.CompletedOn = &now
	}
	m.requests[id] = req
	return update, nil
}

func (m *MemoryStore) UpdateAssignment(_ context.Context, id int64, assignedTo string) (time.Time, error) {
	if err := validateAssignment(id, assignedTo); err != nil {
		return time.Time{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return time.Time{}, classify("update assignment", m.failWith)
	}
	req, ok := m.requests[id]
	if !ok {
		return time.Time{}, fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	now := m.clock()
	req.AssignedTo = assignedTo
	req.LastUpdated = now
	m.requests[id] = req
	return now, nil
}

func (m *MemoryStore) AuthType(_ context.Context, id int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return "", classify("load auth type", m.failWith)
	}
	req, ok := m.requests[id]
	if !ok {
		return "", fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	return req.AuthType, nil
}

func (m *MemoryStore) Suggest(_ context.Context, prefix string) ([]domain.Employee, error) {
	prefix, ok := NormalizePrefix(prefix)
	if !ok {
		return []domain.Employee{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirReads++
	if m.failWith != nil {
		return nil, classify("suggest employees", m.failWith)
	}
	res := make([]domain.Employee, 0, MaxSuggestions)
	for _, e := range m.employees {
		if len(res) == MaxSuggestions {
			break
		}
		if strings.HasPrefix(strings.ToLower(e.Email), prefix) {
			res = append(res, e)
		}
	}
	return res, nil
}

func (m *MemoryStore) ResolveManagerEmail(_ context.Context, managerName string) (string, bool, error) {
	managerName = strings.TrimSpace(managerName)
	if managerName == "" {
		return "", false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirReads++
	if m.failWith != nil {
		return "", false, classify("resolve manager", m.failWith)
	}
	for _, e := range m.employees {
		if e.Name == managerName {
			return e.Email, true, nil
		}
	}
	return "", false, nil
}

func cloneRequest(req domain.SopRequest) domain.SopRequest {
	if req.Attachment != nil {
		attachment := *req.Attachment
		req.Attachment = &attachment
	}
	if req.CompletedOn != nil {
		completed := *req.CompletedOn
		req.CompletedOn = &completed
	}
	return req
}
