package store

import (
	"context"
	_ "embed"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Schema is the entity store DDL, including the notify triggers that drive
// the change feed. Applied by cmd/seed.
//
//go:embed schema.sql
var Schema string

// notifyChannel is the single Postgres channel all triggers publish to; the
// feed demultiplexes by session id, giving each session one logical channel.
const notifyChannel = "mesa_events"

// subscriberBuffer bounds how far a slow consumer may lag before events are
// dropped. A drop is logged; the consumer is expected to resync.
const subscriberBuffer = 256

// Reconnect backoff bounds for a dropped LISTEN connection.
const (
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

// ErrFeedClosed rejects subscriptions on a closed feed.
var ErrFeedClosed = errors.New("change feed closed")

// Feed consumes LISTEN/NOTIFY events on a dedicated connection and fans them
// out to every subscriber of the event's session. Notifications arrive in
// commit order, so per-entity update order from the store is preserved.
//
// There is no backlog: when the connection drops, every subscriber channel is
// closed so engines observe the gap and resync, and the feed re-dials with
// backoff. Events published while disconnected are gone.
type Feed struct {
	logger *zap.Logger
	url    string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	conn   *pgx.Conn
	subs   map[string]map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewFeed opens the listening connection and starts dispatching.
func NewFeed(ctx context.Context, url string, logger *zap.Logger) (*Feed, error) {
	conn, err := listenConn(ctx, url)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		logger: logger,
		url:    url,
		cancel: cancel,
		done:   make(chan struct{}),
		conn:   conn,
		subs:   make(map[string]map[uint64]chan Event),
	}
	go f.run(runCtx)
	return f, nil
}

func listenConn(ctx context.Context, url string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	for {
		err := f.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Error("change feed connection lost", zap.Error(err))

		// Anything published during the gap is gone, so subscribers cannot
		// trust their caches. Closing their channels makes every engine
		// observe the drop; they resubscribe through Resync.
		f.dropSubscribers()

		if !f.reconnect(ctx) {
			return
		}
		f.logger.Info("change feed reconnected")
	}
}

func (f *Feed) consume(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := DecodeEvent([]byte(notification.Payload))
		if err != nil {
			f.logger.Warn("discarding malformed feed event", zap.Error(err))
			continue
		}
		f.dispatch(ev)
	}
}

// reconnect re-dials and re-LISTENs with capped exponential backoff. Returns
// false only when the feed context is cancelled.
func (f *Feed) reconnect(ctx context.Context) bool {
	delay := reconnectMinDelay
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := listenConn(ctx, f.url)
		if err == nil {
			f.mu.Lock()
			old := f.conn
			f.conn = conn
			f.mu.Unlock()
			if old != nil {
				old.Close(context.Background())
			}
			return true
		}

		f.logger.Warn("change feed reconnect failed", zap.Error(err))
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// dispatch delivers an event to every subscriber of its session. The send
// happens under the lock so a concurrent unsubscribe cannot close a channel
// mid-send; sends are non-blocking, so the lock is never held on a full
// buffer.
func (f *Feed) dispatch(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			f.logger.Warn("subscriber lagging, dropping event",
				zap.String("session_id", ev.SessionID),
				zap.String("collection", ev.Collection.String()),
			)
		}
	}
}

func (f *Feed) dropSubscribers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sessionID, session := range f.subs {
		for id, ch := range session {
			close(ch)
			delete(session, id)
		}
		delete(f.subs, sessionID)
	}
}

// Subscribe registers a new subscriber for a session. Every subscriber gets
// its own channel; events for the session are delivered to all of them. The
// returned cancel removes only this subscription and is idempotent.
func (f *Feed) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, ErrFeedClosed
	}

	id := f.nextID
	f.nextID++
	ch := make(chan Event, subscriberBuffer)
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = make(map[uint64]chan Event)
	}
	f.subs[sessionID][id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		session := f.subs[sessionID]
		if sub, ok := session[id]; ok {
			close(sub)
			delete(session, id)
			if len(session) == 0 {
				delete(f.subs, sessionID)
			}
		}
	}
	return ch, cancel, nil
}

// Close stops dispatching and tears down every subscription. Idempotent.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.dropSubscribers()

	if f.cancel != nil {
		f.cancel()
		<-f.done
	}

	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Close(ctx)
}
