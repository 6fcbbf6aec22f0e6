package engine

import (
	"sync"
	"time"
)

const defaultSubscriberBuffer = 256

// StreamHub fans step events out to subscribers, one stream per execution.
// Publishing assigns the strictly increasing seq, so all event ordering is
// serialized here. Subscribers replay from any seq and then follow live; a
// slow subscriber loses oldest token events first and never loses terminal
// events.
type StreamHub struct {
	mu      sync.Mutex
	streams map[string]*stream
	bound   int
}

// NewStreamHub creates a hub with the given per-subscriber buffer bound.
// bound <= 0 selects the default.
func NewStreamHub(bound int) *StreamHub {
	if bound <= 0 {
		bound = defaultSubscriberBuffer
	}
	return &StreamHub{
		streams: make(map[string]*stream),
		bound:   bound,
	}
}

type stream struct {
	mu     sync.Mutex
	seq    int64
	log    []StepEvent
	subs   map[int]*subscriber
	nextID int
	closed bool
	bound  int
}

// Open creates the stream for an execution. Idempotent.
func (h *StreamHub) Open(execID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[execID]; !ok {
		h.streams[execID] = &stream{subs: make(map[int]*subscriber), bound: h.bound}
	}
}

// OpenAt recreates the stream for a resumed execution, seeding the replay
// log and the next seq from persisted state.
func (h *StreamHub) OpenAt(execID string, log []StepEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &stream{subs: make(map[int]*subscriber), bound: h.bound}
	s.log = append(s.log, log...)
	if n := len(log); n > 0 {
		s.seq = log[n-1].Seq
	}
	h.streams[execID] = s
}

func (h *StreamHub) get(execID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[execID]
}

// Publish appends an event to the execution's log and delivers it to all
// subscribers. The returned event carries the assigned seq.
func (h *StreamHub) Publish(execID, nodeID string, kind EventKind, payload any) StepEvent {
	s := h.get(execID)
	if s == nil {
		return StepEvent{}
	}
	s.mu.Lock()
	s.seq++
	ev := StepEvent{
		Seq:     s.seq,
		NodeID:  nodeID,
		At:      time.Now().UTC(),
		Kind:    kind,
		Payload: payload,
	}
	s.log = append(s.log, ev)
	for _, sub := range s.subs {
		sub.push(ev)
	}
	s.mu.Unlock()
	return ev
}

// Subscribe returns a channel of events with seq greater than fromSeq,
// replaying the log first. The cancel function detaches the subscriber and
// closes the channel.
func (h *StreamHub) Subscribe(execID string, fromSeq int64) (<-chan StepEvent, func(), bool) {
	s := h.get(execID)
	if s == nil {
		return nil, nil, false
	}

	sub := newSubscriber(s.bound)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	for _, ev := range s.log {
		if ev.Seq > fromSeq {
			sub.push(ev)
		}
	}
	if s.closed {
		sub.close()
	} else {
		s.subs[id] = sub
	}
	s.mu.Unlock()

	go sub.run()
	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.abandon()
	}
	return sub.ch, cancel, true
}

// Events returns a copy of the step log accumulated so far.
func (h *StreamHub) Events(execID string) []StepEvent {
	s := h.get(execID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepEvent, len(s.log))
	copy(out, s.log)
	return out
}

// Close marks the stream finished. Subscribers drain their queues and their
// channels close. The log stays readable until Drop.
func (h *StreamHub) Close(execID string) {
	s := h.get(execID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	for id, sub := range s.subs {
		sub.close()
		delete(s.subs, id)
	}
	s.mu.Unlock()
}

// Drop forgets the stream entirely. Called once the step log is persisted.
func (h *StreamHub) Drop(execID string) {
	h.mu.Lock()
	delete(h.streams, execID)
	h.mu.Unlock()
}

// subscriber decouples publishing from a possibly slow reader: events queue
// up to the bound, then the oldest token event is discarded to make room.
// Non-token events are always kept, so the queue may exceed the bound by the
// number of structural events.
type subscriber struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []StepEvent
	bound     int
	closed    bool
	abandoned bool
	ch        chan StepEvent
	done      chan struct{}
}

func newSubscriber(bound int) *subscriber {
	sub := &subscriber{
		bound: bound,
		ch:    make(chan StepEvent, 16),
		done:  make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (s *subscriber) push(ev StepEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.bound {
		for i, queued := range s.queue {
			if queued.Kind == EventToken {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// abandon marks the reader gone so pending sends never block. Closing done
// releases a run goroutine already parked on a channel send.
func (s *subscriber) abandon() {
	s.mu.Lock()
	s.closed = true
	if !s.abandoned {
		s.abandoned = true
		close(s.done)
	}
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		abandoned := s.abandoned
		s.mu.Unlock()
		if abandoned {
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}
