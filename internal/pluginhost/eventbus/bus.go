// Package eventbus implements the in-process publish-subscribe bus that
// backs config-change notifications and plugin lifecycle events. Dispatch
// is synchronous and runs subscribers in registration order; a panicking
// subscriber is recovered and logged so it cannot block or take down the
// rest of the chain.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies the kind of an Event. Plugin lifecycle and config
// events use the predefined constants below; anything else is free-form
// (e.g. "custom:book-added") the way the original event bus's Custom
// variant worked.
type Type string

const (
	TypeSystemStarted  Type = "system.started"
	TypeSystemShutdown Type = "system.shutdown"
	TypePluginLoaded   Type = "plugin.loaded"
	TypePluginUnloaded Type = "plugin.unloaded"
	TypePluginError    Type = "plugin.error"
	TypeConfigChanged  Type = "config.changed"
)

// SourceKind distinguishes who published an event.
type SourceKind string

const (
	SourceSystem SourceKind = "system"
	SourcePlugin SourceKind = "plugin"
	SourceUser   SourceKind = "user"
)

// Source identifies the origin of an Event.
type Source struct {
	Kind SourceKind
	ID   string // plugin id or user id; empty for SourceSystem
}

// Event is one published occurrence.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Source    Source
	Data      map[string]any
}

// Handler receives an Event. It runs synchronously on the publishing
// goroutine; a Handler that blocks delays every subscriber after it.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Filter narrows History/Statistics/Export to a subset of recorded
// events.
type Filter struct {
	Types   []Type
	Sources []Source
	Since   *time.Time
	Until   *time.Time
	Offset  int
	Limit   int // 0 means no limit
}

// Statistics summarizes a set of events.
type Statistics struct {
	TotalEvents   int
	EventsByType  map[Type]int
	EventsBySource map[string]int
	ErrorCount    int
	ErrorRate     float64
}

// Bus is the event bus. Zero value is not usable; construct with New.
type Bus struct {
	maxHistory int

	subMu       sync.RWMutex
	subscribers map[Type][]subscription

	histMu  sync.Mutex
	history []Event

	log *zap.Logger
}

// New creates a Bus that retains at most maxHistory events.
func New(maxHistory int) *Bus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Bus{
		maxHistory:  maxHistory,
		subscribers: make(map[Type][]subscription),
		log:         zap.L().Named("eventbus"),
	}
}

// Subscribe registers handler for eventType and returns a subscription
// id usable with Unsubscribe.
func (b *Bus) Subscribe(eventType Type, handler Handler) string {
	id := uuid.NewString()
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a subscription by id, searching every event type.
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for eventType, subs := range b.subscribers {
		for i, sub := range subs {
			if sub.id == subscriptionID {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish appends event to history (trimming to maxHistory) and
// dispatches it to every subscriber of event.Type, in registration
// order, on the calling goroutine. A panicking handler is recovered and
// logged; it never prevents a later handler from running.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.histMu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	b.histMu.Unlock()

	b.subMu.RLock()
	subs := make([]subscription, len(b.subscribers[event.Type]))
	copy(subs, b.subscribers[event.Type])
	b.subMu.RUnlock()

	for _, sub := range subs {
		b.callSafely(sub, event)
	}
}

func (b *Bus) callSafely(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("subscription_id", sub.id), zap.String("event_type", string(event.Type)), zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// SubscriberCount returns how many handlers are registered for eventType.
func (b *Bus) SubscriberCount(eventType Type) int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subscribers[eventType])
}

// History returns recorded events matching filter, newest-filtering
// preserved in original insertion order, after offset/limit pagination.
func (b *Bus) History(filter Filter) []Event {
	b.histMu.Lock()
	all := make([]Event, len(b.history))
	copy(all, b.history)
	b.histMu.Unlock()

	events := applyFilter(all, filter)

	if filter.Offset > 0 {
		if filter.Offset >= len(events) {
			return nil
		}
		events = events[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(events) {
		events = events[:filter.Limit]
	}
	return events
}

func applyFilter(events []Event, filter Filter) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if len(filter.Types) > 0 && !containsType(filter.Types, e.Type) {
			continue
		}
		if len(filter.Sources) > 0 && !containsSource(filter.Sources, e.Source) {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && e.Timestamp.After(*filter.Until) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func containsType(types []Type, t Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsSource(sources []Source, s Source) bool {
	for _, candidate := range sources {
		if candidate == s {
			return true
		}
	}
	return false
}

// Query runs a filtered, paginated lookup and also reports the total
// match count ignoring pagination, for building a paged UI response.
func (b *Bus) Query(filter Filter, page, pageSize int) (events []Event, total int) {
	unpaged := filter
	unpaged.Offset = 0
	unpaged.Limit = 0
	all := b.History(unpaged)
	total = len(all)

	if pageSize <= 0 {
		pageSize = len(all)
	}
	offset := page * pageSize
	paged := filter
	paged.Offset = offset
	paged.Limit = pageSize
	return b.History(paged), total
}

// Statistics summarizes events matching filter (or the whole history if
// filter is the zero value).
func (b *Bus) Statistics(filter Filter) Statistics {
	events := b.History(filter)

	stats := Statistics{
		TotalEvents:    len(events),
		EventsByType:   make(map[Type]int),
		EventsBySource: make(map[string]int),
	}

	for _, e := range events {
		stats.EventsByType[e.Type]++

		sourceKey := string(e.Source.Kind)
		if e.Source.ID != "" {
			sourceKey += ":" + e.Source.ID
		}
		stats.EventsBySource[sourceKey]++

		if e.Type == TypePluginError {
			stats.ErrorCount++
		}
	}

	if stats.TotalEvents > 0 {
		stats.ErrorRate = float64(stats.ErrorCount) / float64(stats.TotalEvents)
	}
	return stats
}

// Export serializes events matching filter as indented JSON.
func (b *Bus) Export(filter Filter) ([]byte, error) {
	return json.MarshalIndent(b.History(filter), "", "  ")
}

// ClearHistory discards every recorded event. Subscriptions are
// unaffected.
func (b *Bus) ClearHistory() {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = nil
}
