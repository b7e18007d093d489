package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/uuid"

	"github.com/asaidimu/go-odm/core/document"
)

// LifecycleEventType names one point in a document's persistence lifecycle.
type LifecycleEventType string

const (
	DocumentSaveStart    LifecycleEventType = "document.save.start"
	DocumentSaveSuccess  LifecycleEventType = "document.save.success"
	DocumentSaveFailed   LifecycleEventType = "document.save.failed"
	DocumentDeleteStart  LifecycleEventType = "document.delete.start"
	DocumentDeleteSuccess LifecycleEventType = "document.delete.success"
	DocumentDeleteFailed LifecycleEventType = "document.delete.failed"
	DocumentLoaded       LifecycleEventType = "document.loaded"
)

// LifecycleEvent is the payload delivered to subscribers.
type LifecycleEvent struct {
	Type       LifecycleEventType  `json:"type"`
	Timestamp  int64               `json:"timestamp"`
	Schema     string              `json:"schema"`
	Collection string              `json:"collection"`
	DocumentID any                 `json:"documentId,omitempty"`
	Document   *document.Document  `json:"-"`
	Error      *string             `json:"error,omitempty"`
	Duration   *int64              `json:"duration,omitempty"`
}

// SubscriptionOptions configures a lifecycle subscription.
type SubscriptionOptions struct {
	Event       LifecycleEventType
	Callback    func(ctx context.Context, ev LifecycleEvent) error
	Label       string
	Description string
}

// SubscriptionInfo describes one registered subscription.
type SubscriptionInfo struct {
	Event       LifecycleEventType
	Label       string
	Description string
	unsubscribe func()
}

func newLifecycleBus() (*events.TypedEventBus[LifecycleEvent], error) {
	return events.NewTypedEventBus[LifecycleEvent](events.DefaultConfig())
}

func createEvent(
	eventType LifecycleEventType,
	schemaName string,
	collection string,
	id any,
	doc *document.Document,
	err *string,
	startTime time.Time,
) LifecycleEvent {
	var duration *int64
	if !startTime.IsZero() {
		d := time.Since(startTime).Milliseconds()
		duration = &d
	}
	return LifecycleEvent{
		Type:       eventType,
		Timestamp:  time.Now().UnixMilli(),
		Schema:     schemaName,
		Collection: collection,
		DocumentID: id,
		Document:   doc,
		Error:      err,
		Duration:   duration,
	}
}

// subscriptionRegistry tracks active subscriptions by id so callers can
// unregister without holding the unsubscribe closure themselves.
type subscriptionRegistry struct {
	mu   sync.Mutex
	subs map[string]*SubscriptionInfo
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: map[string]*SubscriptionInfo{}}
}

func (r *subscriptionRegistry) register(options SubscriptionOptions, unsubscribe func()) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New().String()
	r.subs[id] = &SubscriptionInfo{
		Event:       options.Event,
		Label:       options.Label,
		Description: options.Description,
		unsubscribe: unsubscribe,
	}
	return id
}

func (r *subscriptionRegistry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info := r.subs[id]; info != nil {
		info.unsubscribe()
		delete(r.subs, id)
	}
}

func (r *subscriptionRegistry) list() []SubscriptionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SubscriptionInfo, 0, len(r.subs))
	for _, info := range r.subs {
		out = append(out, *info)
	}
	return out
}
