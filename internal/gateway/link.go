package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Link is one authenticated gateway connection. A background read loop
// demultiplexes inbound frames: responses complete their pending call by id,
// events fan out to subscribers. All exported methods are safe for
// concurrent use.
type Link struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	pending  map[string]chan *Response
	subs     map[int]*subscriber
	nextSub  int
	closeErr error

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Link)
}

// subscriber channels are closed only by the read loop after it has exited,
// so it never sends on a closed channel. quit lets a blocked fan-out send
// abandon a canceled subscriber.
type subscriber struct {
	ch   chan *Event
	quit chan struct{}
}

func newLink(conn *websocket.Conn, logger *slog.Logger, timeout time.Duration) *Link {
	return &Link{
		conn:    conn,
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]chan *Response),
		subs:    make(map[int]*subscriber),
		done:    make(chan struct{}),
	}
}

// start spawns the read loop. It is separate from construction so callers
// can subscribe before the first inbound frame is demultiplexed; the
// handshake challenge may arrive as soon as the loop reads.
func (l *Link) start() {
	go l.readLoop()
}

// Done is closed when the link is no longer usable.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns the close cause once Done is closed.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeErr
}

// Close tears the link down. Pending calls fail with a transport error and
// subscriber channels drain then close. Safe to call more than once.
func (l *Link) Close() error {
	l.shutdown(&TransportError{Op: "close", Err: ErrLinkClosed})
	return nil
}

func (l *Link) shutdown(cause error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closeErr = cause
		pending := l.pending
		l.pending = nil
		l.mu.Unlock()

		close(l.done)
		_ = l.conn.Close(websocket.StatusNormalClosure, "")

		for id, ch := range pending {
			l.logger.Debug("failing pending call on close", "id", id)
			close(ch)
		}
		if l.onClose != nil {
			l.onClose(l)
		}
	})
}

func (l *Link) readLoop() {
	defer l.closeSubscribers()
	ctx := context.Background()
	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			l.shutdown(&TransportError{Op: "read", Err: err})
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			l.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		switch f := frame.(type) {
		case *Response:
			l.deliverResponse(f)
		case *Event:
			l.deliverEvent(f)
		case *Request:
			// The gateway never calls back into the client.
			l.logger.Warn("dropping unexpected request frame", "method", f.Method)
		}
	}
}

// closeSubscribers runs after the read loop has stopped, which makes closing
// the channels safe: the sole sender is gone.
func (l *Link) closeSubscribers() {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
}

func (l *Link) deliverResponse(resp *Response) {
	l.mu.Lock()
	ch, ok := l.pending[resp.ID]
	if ok {
		delete(l.pending, resp.ID)
	}
	l.mu.Unlock()
	if !ok {
		// Late or duplicate response; the caller already gave up.
		l.logger.Debug("dropping unmatched response", "id", resp.ID)
		return
	}
	ch <- resp
}

func (l *Link) deliverEvent(ev *Event) {
	l.mu.Lock()
	subs := make([]*subscriber, 0, len(l.subs))
	for _, sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()
	if len(subs) == 0 {
		l.logger.Debug("dropping event without subscriber", "event", ev.Event)
		return
	}
	// Subscriber channels are buffered; a full buffer backpressures the
	// read loop rather than dropping frames.
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.quit:
		case <-l.done:
			return
		}
	}
}

// Subscribe registers an event channel with the given buffer. The channel
// receives every subsequent event and is closed when the link shuts down.
// cancel stops delivery without closing the channel.
func (l *Link) Subscribe(buffer int) (<-chan *Event, func()) {
	sub := &subscriber{ch: make(chan *Event, buffer), quit: make(chan struct{})}
	l.mu.Lock()
	if l.subs == nil {
		l.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = sub
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			if l.subs != nil {
				delete(l.subs, id)
			}
			l.mu.Unlock()
			close(sub.quit)
		})
	}
	return sub.ch, cancel
}

// Call sends a request and waits for the matching response. A failure
// response becomes an *RPCError; no response within the link timeout becomes
// a *TimeoutError; a link failure becomes a *TransportError.
func (l *Link) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("gateway: marshal %s params: %w", method, err)
		}
		raw = data
	}

	id := uuid.NewString()
	ch := make(chan *Response, 1)
	l.mu.Lock()
	if l.pending == nil {
		err := l.closeErr
		l.mu.Unlock()
		return nil, err
	}
	l.pending[id] = ch
	l.mu.Unlock()

	data, err := EncodeFrame(&Request{ID: id, Method: method, Params: raw})
	if err != nil {
		l.forget(id)
		return nil, err
	}
	writeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		l.forget(id)
		l.shutdown(&TransportError{Op: "write", Err: err})
		return nil, &TransportError{Op: "write", Err: err}
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, l.Err()
		}
		if !resp.OK {
			return nil, &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Payload, nil
	case <-timer.C:
		l.forget(id)
		return nil, &TimeoutError{Method: method, Timeout: l.timeout}
	case <-ctx.Done():
		l.forget(id)
		return nil, fmt.Errorf("gateway: %s: %w", method, ctx.Err())
	case <-l.done:
		return nil, l.Err()
	}
}

func (l *Link) forget(id string) {
	l.mu.Lock()
	if l.pending != nil {
		delete(l.pending, id)
	}
	l.mu.Unlock()
}
