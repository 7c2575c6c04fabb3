package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification about a plan, an item or an object.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source names the component that published the event.
	Source string `json:"source"`

	PlanID     string `json:"plan_id,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Message    string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string                 `json:"level"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypePlanCreated       = "plan.created"
	EventTypePlanStarted       = "plan.started"
	EventTypePlanPaused        = "plan.paused"
	EventTypePlanWaiting       = "plan.waiting"
	EventTypePlanFinished      = "plan.finished"
	EventTypePlanFailed        = "plan.failed"
	EventTypeItemCompleted     = "item.completed"
	EventTypeItemFailed        = "item.failed"
	EventTypeObjectAvailable   = "object.available"
	EventTypeDeliveryCompleted = "delivery.completed"
	EventTypeDeliveryFailed    = "delivery.failed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a published event.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher. When async delivery is enabled a
// background goroutine drains the buffer in publication order.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1000
		}
		ep.buffer = make(chan Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish sends an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s event dropped", event.Type)
	}
}

// PublishPlanEvent publishes a plan lifecycle event.
func (ep *EventPublisher) PublishPlanEvent(eventType, planID, message string) error {
	level := EventLevelInfo
	if eventType == EventTypePlanFailed {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "engine",
		PlanID:  planID,
		Message: message,
		Level:   level,
	})
}

// PublishItemEvent publishes the terminal status of one plan item.
func (ep *EventPublisher) PublishItemEvent(planID, identifier, status, reason string) error {
	event := Event{
		Type:       EventTypeItemCompleted,
		Source:     "processor",
		PlanID:     planID,
		Identifier: identifier,
		Message:    fmt.Sprintf("Object %s reached status %s", identifier, status),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"status": status,
		},
	}
	if reason != "" {
		event.Type = EventTypeItemFailed
		event.Level = EventLevelWarning
		event.Data["reason"] = reason
	}
	return ep.Publish(event)
}

// PublishObjectAvailable publishes an availability notification.
func (ep *EventPublisher) PublishObjectAvailable(key string, restarted int) error {
	return ep.Publish(Event{
		Type:       EventTypeObjectAvailable,
		Source:     "executor",
		Identifier: key,
		Message:    fmt.Sprintf("%s became available, %d plan(s) restarted", key, restarted),
		Data: map[string]interface{}{
			"restarted": restarted,
		},
	})
}

// PublishDeliveryEvent publishes the end of a delivery.
func (ep *EventPublisher) PublishDeliveryEvent(deliveryID, identifier, location string, err error) error {
	event := Event{
		Type:       EventTypeDeliveryCompleted,
		Source:     "delivery",
		PlanID:     deliveryID,
		Identifier: identifier,
		Message:    fmt.Sprintf("Delivered %s to %s", identifier, location),
	}
	if err != nil {
		event.Type = EventTypeDeliveryFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Delivery of %s failed: %v", identifier, err)
	}
	return ep.Publish(event)
}

// Subscribe adds a subscriber; a nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPlanID allows events of one plan.
func FilterByPlanID(planID string) EventFilter {
	return func(event Event) bool {
		return event.PlanID == planID
	}
}
