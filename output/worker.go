package output

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"auoms.dev/auomsd/event"
	"auoms.dev/auomsd/queue"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dialer opens a fresh connection to the downstream peer.
type Dialer func(ctx context.Context) (net.Conn, error)

// SourceQueue is the subset of queue.Queue a Worker consumes from.
type SourceQueue interface {
	PeekNext(consumer string, sc *queue.SendCursor) (queue.Item, bool, error)
	Ack(consumer string, token queue.CursorToken) error
}

type Config struct {
	Consumer string

	// AckMode, if true, withholds acking the queue until the peer acks
	// the frame; if false, the queue is acked as soon as the frame is
	// written (spec.md's send_first=false default path is the AckMode
	// case; send_first opts out of waiting entirely).
	AckMode bool

	AckTimeout   time.Duration
	WriteTimeout time.Duration
	AckQueueSize int

	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration

	// PollInterval is how long the send loop waits before re-peeking
	// the queue after finding it empty, or before rechecking in-flight
	// capacity while the ack window is full.
	PollInterval time.Duration

	MaxFrameBytes int

	Logger logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.AckQueueSize <= 0 {
		c.AckQueueSize = 64
	}
	if c.ReconnectMinBackoff <= 0 {
		c.ReconnectMinBackoff = 200 * time.Millisecond
	}
	if c.ReconnectMaxBackoff <= 0 {
		c.ReconnectMaxBackoff = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = event.MaxEventSize
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

type inFlightEntry struct {
	token    queue.CursorToken
	deadline time.Time
}

// Worker drives one downstream output: connect, stream queued events,
// track acks, reconnect with backoff on any failure. Its state machine
// is DISCONNECTED -> CONNECTING -> CONNECTED -> (send loop | ack loop),
// mirroring node/p2p/peer.go's Run shape (ctx-cancellable, conn-close
// on cancellation) adapted to a client dialer instead of an accepted
// server connection.
type Worker struct {
	cfg   Config
	dial  Dialer
	queue SourceQueue
	clock clockwork.Clock

	mu         sync.Mutex
	state      State
	inFlight   map[event.EventId]inFlightEntry
	sendCursor *queue.SendCursor

	oversizeLogged bool
}

type Option func(*Worker)

func WithClock(c clockwork.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

func New(dial Dialer, q SourceQueue, cfg Config, opts ...Option) *Worker {
	cfg.setDefaults()
	w := &Worker{
		cfg:        cfg,
		dial:       dial,
		queue:      q,
		clock:      clockwork.NewRealClock(),
		inFlight:   make(map[event.EventId]inFlightEntry),
		sendCursor: queue.NewSendCursor(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Name returns the consumer name this worker drains, for labeling
// per-output metrics.
func (w *Worker) Name() string {
	return w.cfg.Consumer
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run drives the worker until ctx is canceled, reconnecting with
// exponential backoff after any connection failure, ack timeout, or
// protocol error.
func (w *Worker) Run(ctx context.Context) error {
	bo := newBackoff(w.cfg.ReconnectMinBackoff, w.cfg.ReconnectMaxBackoff)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w.setState(StateConnecting)
		conn, err := w.dial(ctx)
		if err != nil {
			w.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.cfg.Logger.WithError(err).Warn("output: dial failed, backing off")
			if !w.sleepBackoff(ctx, bo.Next()) {
				return ctx.Err()
			}
			continue
		}

		w.setState(StateConnected)
		bo.Reset()

		err = w.runConnection(ctx, conn)
		_ = conn.Close()
		w.setState(StateDisconnected)
		w.clearInFlight()
		w.sendCursor.Reset()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.cfg.Logger.WithError(err).Warn("output: connection lost, reconnecting")
		}
		if !w.sleepBackoff(ctx, bo.Next()) {
			return ctx.Err()
		}
	}
}

// runConnection runs the send loop (and, in ack mode, the ack-reading
// loop and the ack-timeout sweep) concurrently, returning as soon as
// any of them fails or ctx is canceled.
func (w *Worker) runConnection(ctx context.Context, conn net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	// ackLoop's ReadAck blocks on conn with no deadline; closing conn is
	// the only deterministic way to unblock it when gctx is canceled,
	// the same trick node/p2p/peer.go's Run uses for its read loop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-gctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	g.Go(func() error { return w.sendLoop(gctx, conn) })
	if w.cfg.AckMode {
		g.Go(func() error { return w.ackLoop(gctx, conn) })
		g.Go(func() error { return w.ackTimeoutSweep(gctx) })
	}
	return g.Wait()
}

func (w *Worker) sendLoop(ctx context.Context, conn net.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.cfg.AckMode && w.inFlightFull() {
			if !w.sleepBackoff(ctx, w.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		item, ok, err := w.queue.PeekNext(w.cfg.Consumer, w.sendCursor)
		if err != nil {
			return fmt.Errorf("output: peek: %w", err)
		}
		if !ok {
			if !w.sleepBackoff(ctx, w.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		if len(item.Payload) > w.cfg.MaxFrameBytes {
			if !w.oversizeLogged {
				w.cfg.Logger.WithField("event_id", item.EventID.String()).
					Error("output: discarding oversized event, it will not be retried")
				w.oversizeLogged = true
			}
			if err := w.queue.Ack(w.cfg.Consumer, item.Token); err != nil {
				return fmt.Errorf("output: ack discarded event: %w", err)
			}
			continue
		}

		if w.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(w.clock.Now().Add(w.cfg.WriteTimeout))
		}
		if err := WriteFrame(conn, item.Payload); err != nil {
			return fmt.Errorf("output: write frame: %w", err)
		}

		if !w.cfg.AckMode {
			if err := w.queue.Ack(w.cfg.Consumer, item.Token); err != nil {
				return fmt.Errorf("output: ack: %w", err)
			}
			continue
		}
		w.registerInFlight(item.EventID, item.Token)
	}
}

func (w *Worker) ackLoop(ctx context.Context, conn net.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// No read deadline here: this loop legitimately blocks on the
		// peer's next ack frame. ackTimeoutSweep is what bounds how
		// long any single in-flight event waits.
		id, err := ReadAck(conn)
		if err != nil {
			return fmt.Errorf("output: read ack: %w", err)
		}

		w.mu.Lock()
		entry, ok := w.inFlight[id]
		if ok {
			delete(w.inFlight, id)
		}
		w.mu.Unlock()
		if !ok {
			continue // stale, duplicate, or unknown ack; ignore
		}
		if err := w.queue.Ack(w.cfg.Consumer, entry.token); err != nil {
			return fmt.Errorf("output: ack queue: %w", err)
		}
	}
}

// ackTimeoutSweep periodically checks for an in-flight event past its
// ack_deadline and, if found, returns ErrAckTimeout so runConnection
// tears down the connection and Run reconnects. The event itself was
// never acked to the queue, so it's redelivered to this same consumer
// by PeekNext (against a freshly Reset SendCursor) after reconnect:
// resume is automatic and idempotent.
func (w *Worker) ackTimeoutSweep(ctx context.Context) error {
	interval := w.cfg.AckTimeout / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if w.hasExpiredInFlight() {
				w.cfg.Logger.Warn("output: ack timeout, reconnecting")
				return ErrAckTimeout
			}
		}
	}
}

func (w *Worker) hasExpiredInFlight() bool {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.inFlight {
		if !now.Before(e.deadline) {
			return true
		}
	}
	return false
}

func (w *Worker) inFlightFull() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight) >= w.cfg.AckQueueSize
}

// InFlightCount reports the number of events sent but not yet acked,
// for a periodic metrics poll (spec.md's per-output ack-window gauge).
func (w *Worker) InFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

func (w *Worker) registerInFlight(id event.EventId, token queue.CursorToken) {
	w.mu.Lock()
	w.inFlight[id] = inFlightEntry{token: token, deadline: w.clock.Now().Add(w.cfg.AckTimeout)}
	w.mu.Unlock()
}

func (w *Worker) clearInFlight() {
	w.mu.Lock()
	w.inFlight = make(map[event.EventId]inFlightEntry)
	w.mu.Unlock()
}

func (w *Worker) sleepBackoff(ctx context.Context, d time.Duration) bool {
	timer := w.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
