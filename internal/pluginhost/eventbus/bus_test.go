package eventbus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingreader/ting-plugins/internal/pluginhost/eventbus"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := eventbus.New(100)

	var received eventbus.Event
	bus.Subscribe(eventbus.TypePluginLoaded, func(e eventbus.Event) { received = e })

	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded, Source: eventbus.Source{Kind: eventbus.SourcePlugin, ID: "p1"}})

	assert.Equal(t, eventbus.TypePluginLoaded, received.Type)
	assert.Equal(t, "p1", received.Source.ID)
}

func TestMultipleSubscribersCalledInRegistrationOrder(t *testing.T) {
	bus := eventbus.New(100)

	var order []int
	bus.Subscribe(eventbus.TypePluginLoaded, func(eventbus.Event) { order = append(order, 1) })
	bus.Subscribe(eventbus.TypePluginLoaded, func(eventbus.Event) { order = append(order, 2) })
	bus.Subscribe(eventbus.TypePluginLoaded, func(eventbus.Event) { order = append(order, 3) })

	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestUnsubscribe(t *testing.T) {
	bus := eventbus.New(100)

	called := false
	id := bus.Subscribe(eventbus.TypePluginLoaded, func(eventbus.Event) { called = true })

	require.True(t, bus.Unsubscribe(id))
	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})

	assert.False(t, called)
}

func TestUnsubscribeUnknownIDReturnsFalse(t *testing.T) {
	bus := eventbus.New(100)
	assert.False(t, bus.Unsubscribe("nonexistent"))
}

func TestHandlerIsolation(t *testing.T) {
	bus := eventbus.New(100)

	secondCalled := false
	bus.Subscribe(eventbus.TypePluginError, func(eventbus.Event) { panic("boom") })
	bus.Subscribe(eventbus.TypePluginError, func(eventbus.Event) { secondCalled = true })

	require.NotPanics(t, func() {
		bus.Publish(eventbus.Event{Type: eventbus.TypePluginError})
	})
	assert.True(t, secondCalled)
}

func TestEventHistoryLimit(t *testing.T) {
	bus := eventbus.New(3)

	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})
	}

	history := bus.History(eventbus.Filter{})
	assert.Len(t, history, 3)
}

func TestSubscriberCount(t *testing.T) {
	bus := eventbus.New(100)
	assert.Equal(t, 0, bus.SubscriberCount(eventbus.TypePluginLoaded))

	bus.Subscribe(eventbus.TypePluginLoaded, func(eventbus.Event) {})
	bus.Subscribe(eventbus.TypePluginLoaded, func(eventbus.Event) {})

	assert.Equal(t, 2, bus.SubscriberCount(eventbus.TypePluginLoaded))
}

func TestEventFilterByType(t *testing.T) {
	bus := eventbus.New(100)

	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})
	bus.Publish(eventbus.Event{Type: eventbus.TypePluginError})
	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})

	history := bus.History(eventbus.Filter{Types: []eventbus.Type{eventbus.TypePluginError}})
	require.Len(t, history, 1)
	assert.Equal(t, eventbus.TypePluginError, history[0].Type)
}

func TestEventFilterBySource(t *testing.T) {
	bus := eventbus.New(100)

	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded, Source: eventbus.Source{Kind: eventbus.SourcePlugin, ID: "a"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded, Source: eventbus.Source{Kind: eventbus.SourcePlugin, ID: "b"}})

	history := bus.History(eventbus.Filter{Sources: []eventbus.Source{{Kind: eventbus.SourcePlugin, ID: "a"}}})
	require.Len(t, history, 1)
	assert.Equal(t, "a", history[0].Source.ID)
}

func TestEventPaginationWithOffsetAndLimit(t *testing.T) {
	bus := eventbus.New(100)
	for i := 0; i < 10; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})
	}

	page := bus.History(eventbus.Filter{Offset: 3, Limit: 4})
	assert.Len(t, page, 4)
}

func TestQueryReportsTotalIgnoringPagination(t *testing.T) {
	bus := eventbus.New(100)
	for i := 0; i < 10; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})
	}

	events, total := bus.Query(eventbus.Filter{}, 0, 4)
	assert.Len(t, events, 4)
	assert.Equal(t, 10, total)
}

func TestStatistics(t *testing.T) {
	bus := eventbus.New(100)
	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})
	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})
	bus.Publish(eventbus.Event{Type: eventbus.TypePluginError})

	stats := bus.Statistics(eventbus.Filter{})
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.InDelta(t, 1.0/3.0, stats.ErrorRate, 0.0001)
}

func TestEventExportProducesJSON(t *testing.T) {
	bus := eventbus.New(100)
	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})

	data, err := bus.Export(eventbus.Filter{})
	require.NoError(t, err)
	assert.Contains(t, string(data), string(eventbus.TypePluginLoaded))
}

func TestEventQueryWithTimeRange(t *testing.T) {
	bus := eventbus.New(100)
	early := time.Now().Add(-time.Hour)
	late := time.Now().Add(time.Hour)

	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded, Timestamp: early.Add(-time.Minute)})
	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded, Timestamp: time.Now()})

	history := bus.History(eventbus.Filter{Since: &early, Until: &late})
	require.Len(t, history, 1)
}

func TestClearHistory(t *testing.T) {
	bus := eventbus.New(100)
	bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})
	bus.ClearHistory()

	assert.Empty(t, bus.History(eventbus.Filter{}))
}

func TestConcurrentPublishIsSafe(t *testing.T) {
	bus := eventbus.New(1000)
	bus.Subscribe(eventbus.TypePluginLoaded, func(eventbus.Event) {})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(eventbus.Event{Type: eventbus.TypePluginLoaded})
		}()
	}
	wg.Wait()

	assert.Len(t, bus.History(eventbus.Filter{}), 50)
}
