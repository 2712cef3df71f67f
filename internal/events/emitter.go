package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/database"
)

// Emitter publishes run events durably and distributes them to in-process
// subscribers in strict per-run sequence order.
type Emitter struct {
	log        *Log
	logger     *slog.Logger
	bufferSize int
	sendGrace  time.Duration

	mu     sync.Mutex
	runs   map[string]*runStream
	closed bool
}

// runStream holds the sequence counter and live subscribers for one run.
type runStream struct {
	seq  atomic.Int64
	mu   sync.Mutex
	subs map[string]*subscription
}

// subscription is one live subscriber's buffered feed.
type subscription struct {
	id      string
	live    chan Event
	created time.Time
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBufferSize sets the per-subscriber channel buffer size.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// WithSendGrace sets how long a publish blocks on a full subscriber
// buffer before dropping the subscriber.
func WithSendGrace(grace time.Duration) EmitterOption {
	return func(e *Emitter) {
		if grace > 0 {
			e.sendGrace = grace
		}
	}
}

// NewEmitter creates an Emitter appending to the given database.
func NewEmitter(db *database.DB, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		log:        NewLog(db),
		logger:     slog.Default(),
		bufferSize: 64,
		sendGrace:  100 * time.Millisecond,
		runs:       make(map[string]*runStream),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Log returns the underlying durable log for direct readers.
func (e *Emitter) Log() *Log {
	return e.log
}

// Publish assigns the next sequence for the run, appends the event to the
// durable log, and then fans it out to live subscribers. The append
// happens before any delivery, so a delivered event is always already
// durable. Payload is marshaled to JSON; nil means an empty payload.
func (e *Emitter) Publish(ctx context.Context, runID string, eventType EventType, payload any) error {
	data, err := marshalPayload(eventType, payload)
	if err != nil {
		return err
	}

	rs, err := e.stream(ctx, runID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	event := Event{
		RunID:     runID,
		Sequence:  rs.seq.Add(1),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}

	if err := e.log.Append(ctx, event); err != nil {
		// Keep the counter aligned with the log so a retried publish
		// cannot leave a sequence gap.
		rs.seq.Add(-1)
		return err
	}

	for id, sub := range rs.subs {
		select {
		case sub.live <- event:
			continue
		default:
		}

		// Buffer full: block briefly, then drop the subscriber. The
		// closed channel tells it to resync from full state.
		timer := time.NewTimer(e.sendGrace)
		select {
		case sub.live <- event:
			timer.Stop()
		case <-timer.C:
			e.logger.Warn("dropping slow event subscriber",
				"run_id", runID,
				"subscriber", id,
				"sequence", event.Sequence,
				"age", time.Since(sub.created))
			delete(rs.subs, id)
			close(sub.live)
		}
	}
	return nil
}

// Subscribe returns a channel of the run's events and a cancel function
// the caller must invoke to release the subscription.
//
// The channel first yields a synthetic connected marker (sequence 0),
// then history replayed from fromSeq, then live events, with no gap and
// no duplicate in between. Observers should fetch their state first and
// subscribe from the sequence that state was read at. A channel closed by
// the emitter means events were dropped and the observer must resync.
func (e *Emitter) Subscribe(ctx context.Context, runID string, fromSeq int64) (<-chan Event, func(), error) {
	rs, err := e.stream(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	if fromSeq < 1 {
		fromSeq = 1
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:      generateSubscriberID(),
		live:    make(chan Event, e.bufferSize),
		created: time.Now(),
	}
	out := make(chan Event, e.bufferSize)

	// Register before replaying: events published while history is being
	// read buffer in the live channel and follow it contiguously.
	rs.mu.Lock()
	replayUpTo := rs.seq.Load()
	rs.subs[sub.id] = sub
	rs.mu.Unlock()

	go e.deliver(subCtx, runID, sub, out, fromSeq, replayUpTo)

	cleanup := func() {
		cancel()
		rs.mu.Lock()
		if _, ok := rs.subs[sub.id]; ok {
			delete(rs.subs, sub.id)
			close(sub.live)
		}
		rs.mu.Unlock()
	}
	return out, cleanup, nil
}

// ResetRun drops the run's cached sequence counter and disconnects its
// subscribers. Called after the run's durable log has been cleared so the
// next publish restarts the sequence from 1 instead of continuing past
// deleted history.
func (e *Emitter) ResetRun(runID string) {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	if ok {
		delete(e.runs, runID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	for id, sub := range rs.subs {
		delete(rs.subs, id)
		close(sub.live)
	}
}

// SubscriberCount returns the number of live subscribers for a run.
func (e *Emitter) SubscriberCount(runID string) int {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return 0
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.subs)
}

// Close drops all subscribers and rejects further publishes. Close is
// idempotent.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	for _, rs := range e.runs {
		rs.mu.Lock()
		for id, sub := range rs.subs {
			delete(rs.subs, id)
			close(sub.live)
		}
		rs.mu.Unlock()
	}
	return nil
}

// stream returns the run's stream, creating it with the sequence counter
// seeded from the durable log so resumed runs continue where they left
// off.
func (e *Emitter) stream(ctx context.Context, runID string) (*runStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("emitter is closed")
	}

	rs, ok := e.runs[runID]
	if !ok {
		last, err := e.log.LastSequence(ctx, runID)
		if err != nil {
			return nil, err
		}
		rs = &runStream{subs: make(map[string]*subscription)}
		rs.seq.Store(last)
		e.runs[runID] = rs
	}
	return rs, nil
}

// deliver feeds one subscriber: connected marker, history, then live.
func (e *Emitter) deliver(ctx context.Context, runID string, sub *subscription, out chan<- Event, fromSeq, replayUpTo int64) {
	defer close(out)

	connected := Event{RunID: runID, Sequence: 0, Type: EventConnected, Timestamp: time.Now().UTC()}
	if !forward(ctx, out, connected) {
		return
	}

	if fromSeq <= replayUpTo {
		history, err := e.log.Range(ctx, runID, fromSeq, replayUpTo)
		if err != nil {
			e.logger.Warn("event replay failed", "run_id", runID, "error", err)
			return
		}
		for _, event := range history {
			if !forward(ctx, out, event) {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.live:
			if !ok {
				// Dropped by the publisher; the closed out channel is
				// the resync signal.
				return
			}
			if !forward(ctx, out, event) {
				return
			}
		}
	}
}

func forward(ctx context.Context, out chan<- Event, event Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func marshalPayload(eventType EventType, payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return data, nil
}

var subscriberCounter atomic.Uint64

func generateSubscriberID() string {
	return fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), subscriberCounter.Add(1))
}
