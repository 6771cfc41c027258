package audit

import (
	"context"
	"sync"
	"time"
)

// Event is one audit log entry
type Event struct {
	ID         string                 `json:"id"`
	SubjectID  string                 `json:"userId"`
	TenantID   string                 `json:"orgId,omitempty"`
	Module     string                 `json:"module"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entityType,omitempty"`
	EntityID   string                 `json:"entityId,omitempty"`
	OldData    interface{}            `json:"oldData,omitempty"`
	NewData    interface{}            `json:"newData,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	IPAddress  string                 `json:"ipAddress,omitempty"`
	UserAgent  string                 `json:"userAgent,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Emitter accepts audit events without reporting failures
type Emitter interface {
	LogEvent(ctx context.Context, event Event)
}

// NopEmitter discards every event
type NopEmitter struct{}

func (NopEmitter) LogEvent(context.Context, Event) {}

// MemoryEmitter keeps events in memory; useful in tests
type MemoryEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryEmitter) LogEvent(ctx context.Context, event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, fillFromContext(ctx, event))
}

// Events returns a copy of the recorded events
func (m *MemoryEmitter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

type clientKey struct{}

type clientInfo struct {
	ip        string
	userAgent string
}

// WithClient stores the caller's address and user agent so events emitted
// deeper in the call stack carry them
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientInfo{ip: ip, userAgent: userAgent})
}

func fillFromContext(ctx context.Context, event Event) Event {
	if ctx != nil {
		if info, ok := ctx.Value(clientKey{}).(clientInfo); ok {
			if event.IPAddress == "" {
				event.IPAddress = info.ip
			}
			if event.UserAgent == "" {
				event.UserAgent = info.userAgent
			}
		}
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return event
}
