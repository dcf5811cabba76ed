// Package event provides the in-memory scan event broker. Topics are
// task IDs; each subscriber owns a bounded queue drained at its own
// pace, with a drop-oldest policy when it falls behind.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultQueueCap bounds each subscription queue unless overridden via
// SUBSCRIPTION_QUEUE_CAP.
const DefaultQueueCap = 1024

var (
	publishedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eidolon_bus_published_events_total",
		Help: "Event frames published on the bus.",
	})
	droppedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eidolon_bus_dropped_events_total",
		Help: "Events dropped from slow subscriber queues.",
	})
)

func init() {
	prometheus.MustRegister(publishedEventsTotal, droppedEventsTotal)
}

// Bus fans scan event frames out to per-task and wildcard subscribers.
// Publish never blocks on a slow consumer.
type Bus struct {
	mu       sync.Mutex
	topics   map[string]*topic
	wildcard map[*Subscription]struct{}
	queueCap int
	shutdown bool
	logger   *zap.Logger
}

type topic struct {
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates a bus whose subscriptions hold at most queueCap frames
// each. Non-positive values fall back to DefaultQueueCap.
func NewBus(queueCap int, logger *zap.Logger) *Bus {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Bus{
		topics:   make(map[string]*topic),
		wildcard: make(map[*Subscription]struct{}),
		queueCap: queueCap,
		logger:   logger,
	}
}

// Publish enqueues frame to every subscription on the frame's task
// topic plus all wildcard subscriptions. A full queue drops its oldest
// frame and records the loss.
func (b *Bus) Publish(frame Frame) {
	taskID := frame.Payload.TaskID

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	tp := b.topics[taskID]
	targets := make([]*Subscription, 0, 4)
	if tp != nil {
		for s := range tp.subs {
			targets = append(targets, s)
		}
	}
	for s := range b.wildcard {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	publishedEventsTotal.Inc()
	for _, s := range targets {
		s.push(frame)
	}
}

// Subscribe returns a subscription that receives every frame published
// on the given task topic from this point on. Subscribing to an unknown
// or already-closed topic yields a subscription that terminates on the
// first Next call.
func (b *Bus) Subscribe(taskID string) *Subscription {
	s := newSubscription(b.queueCap)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		s.finish()
		return s
	}
	tp := b.topics[taskID]
	if tp == nil {
		tp = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[taskID] = tp
	}
	if tp.closed {
		s.finish()
		return s
	}
	tp.subs[s] = struct{}{}
	return s
}

// SubscribeAll returns a subscription that receives frames from every
// topic. It terminates only on Unsubscribe or bus shutdown.
func (b *Bus) SubscribeAll() *Subscription {
	s := newSubscription(b.queueCap)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		s.finish()
		return s
	}
	b.wildcard[s] = struct{}{}
	return s
}

// Unsubscribe detaches s and discards its queued frames. Idempotent.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.wildcard, s)
	for _, tp := range b.topics {
		delete(tp.subs, s)
	}
	b.mu.Unlock()
	s.discard()
}

// OpenTopic registers a task topic so that subscribers attaching before
// the first publish are distinguishable from subscribers on a task that
// never existed.
func (b *Bus) OpenTopic(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return
	}
	if b.topics[taskID] == nil {
		b.topics[taskID] = &topic{subs: make(map[*Subscription]struct{})}
	}
}

// CloseTopic marks a task topic terminal. Its subscriptions end once
// their queues drain; the topic entry is forgotten so the map does not
// grow with scan history.
func (b *Bus) CloseTopic(taskID string) {
	b.mu.Lock()
	tp := b.topics[taskID]
	if tp == nil {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(tp.subs))
	for s := range tp.subs {
		subs = append(subs, s)
	}
	delete(b.topics, taskID)
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
	b.logger.Debug("topic closed", zap.String("task_id", taskID), zap.Int("subscribers", len(subs)))
}

// Shutdown terminates every topic and subscription. Queued frames
// remain drainable by their consumers.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	var subs []*Subscription
	for _, tp := range b.topics {
		for s := range tp.subs {
			subs = append(subs, s)
		}
	}
	for s := range b.wildcard {
		subs = append(subs, s)
	}
	b.topics = make(map[string]*topic)
	b.wildcard = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

// Subscription is one consumer's bounded FIFO view of a topic.
type Subscription struct {
	ID        string
	CreatedAt time.Time

	mu      sync.Mutex
	queue   []Frame
	cap     int
	dropped uint64
	done    bool
	wake    chan struct{}
}

func newSubscription(queueCap int) *Subscription {
	return &Subscription{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		cap:       queueCap,
		wake:      make(chan struct{}, 1),
	}
}

// Next blocks until a frame is available, the subscription terminates,
// or ctx is cancelled. The boolean is false once no further frames will
// ever be delivered.
func (s *Subscription) Next(ctx context.Context) (Frame, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			frame := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return frame, true
		}
		if s.done {
			s.mu.Unlock()
			return Frame{}, false
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return Frame{}, false
		}
	}
}

// Dropped reports how many frames this subscription lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) push(frame Frame) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.cap {
		s.queue = s.queue[1:]
		s.dropped++
		droppedEventsTotal.Inc()
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()
	s.signal()
}

// finish marks the subscription terminal but leaves queued frames for
// the consumer to drain.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.signal()
}

// discard terminates the subscription and drops its queue.
func (s *Subscription) discard() {
	s.mu.Lock()
	s.done = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
