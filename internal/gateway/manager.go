package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/singleflight"
)

// Mode selects how Acquire provisions a link.
type Mode int

const (
	// Pooled returns the shared link, establishing it at most once no
	// matter how many callers race.
	Pooled Mode = iota
	// Fresh always establishes a dedicated link. Callers that register
	// event listeners for a single turn use fresh links so a long turn
	// never wedges the shared one.
	Fresh
)

// Protocol versions this client speaks.
const (
	protocolMin = 1
	protocolMax = 3
)

// CredentialSource yields the bearer token presented during the handshake.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// ClientInfo identifies this client instance to the gateway.
type ClientInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Config carries the manager's connection settings.
type Config struct {
	URL              string
	ClientInfo       ClientInfo
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	HTTPClient       *http.Client
}

// Manager establishes gateway links on demand. One pooled link is shared by
// ordinary calls; turn streaming acquires fresh links.
type Manager struct {
	cfg    Config
	creds  CredentialSource
	logger *slog.Logger

	group  singleflight.Group
	pool   chan *Link // capacity 1; holds the shared link when one exists
	closed chan struct{}
}

// NewManager validates cfg and returns a manager. No connection is made
// until the first Acquire.
func NewManager(cfg Config, creds CredentialSource, logger *slog.Logger) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway: url is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("gateway: credential source is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:    cfg,
		creds:  creds,
		logger: logger.With("component", "gateway"),
		pool:   make(chan *Link, 1),
		closed: make(chan struct{}),
	}
	return m, nil
}

// Acquire returns an authenticated link. In Pooled mode concurrent callers
// share one in-flight connection attempt; a connect failure is reported to
// every waiter and nothing is cached. In Fresh mode the caller owns the
// returned link and must Close it.
func (m *Manager) Acquire(ctx context.Context, mode Mode) (*Link, error) {
	select {
	case <-m.closed:
		return nil, fmt.Errorf("gateway: manager closed")
	default:
	}
	if mode == Fresh {
		return m.connect(ctx)
	}

	if l := m.takeHealthy(); l != nil {
		return l, nil
	}
	ch := m.group.DoChan("pooled", func() (any, error) {
		if l := m.takeHealthy(); l != nil {
			return l, nil
		}
		l, err := m.connect(context.Background())
		if err != nil {
			return nil, err
		}
		// Cache inside the flight so the link survives even when every
		// waiter's context is canceled before the result lands.
		m.stash(l)
		return l, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Link), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("gateway: acquire: %w", ctx.Err())
	}
}

// takeHealthy pops the cached link if it is still open, putting it back for
// the next caller. The pooled link is shared, not checked out.
func (m *Manager) takeHealthy() *Link {
	select {
	case l := <-m.pool:
		select {
		case <-l.Done():
			return nil
		default:
		}
		m.stash(l)
		return l
	default:
		return nil
	}
}

func (m *Manager) stash(l *Link) {
	select {
	case <-l.Done():
		return
	default:
	}
	select {
	case m.pool <- l:
	default:
	}
}

// Close shuts down the manager and the pooled link, if any.
func (m *Manager) Close() error {
	select {
	case <-m.closed:
		return nil
	default:
	}
	close(m.closed)
	select {
	case l := <-m.pool:
		return l.Close()
	default:
	}
	return nil
}

// connectParams is the body of the connect request.
type connectParams struct {
	ProtocolRange protocolRange     `json:"protocolRange"`
	ClientInfo    ClientInfo        `json:"clientInfo"`
	Auth          connectAuthParams `json:"auth"`
}

type protocolRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type connectAuthParams struct {
	Token string `json:"token"`
}

// connect dials, waits for the server challenge, then authenticates. The
// returned link has completed the handshake.
func (m *Manager) connect(ctx context.Context) (*Link, error) {
	token, err := m.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve credentials: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, m.cfg.URL, &websocket.DialOptions{
		HTTPClient: m.cfg.HTTPClient,
	})
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	// Subscribe before the read loop runs so the server's challenge frame
	// cannot arrive with no subscriber to receive it.
	link := newLink(conn, m.logger, m.cfg.RequestTimeout)
	events, cancelSub := link.Subscribe(8)
	defer cancelSub()
	link.start()

	if err := m.awaitChallenge(dialCtx, link, events); err != nil {
		_ = link.Close()
		return nil, err
	}

	params := connectParams{
		ProtocolRange: protocolRange{Min: protocolMin, Max: protocolMax},
		ClientInfo:    m.cfg.ClientInfo,
		Auth:          connectAuthParams{Token: token},
	}
	payload, err := link.Call(dialCtx, "connect", params)
	if err != nil {
		_ = link.Close()
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// Any rejected handshake is an authentication failure as far
			// as callers are concerned.
			return nil, &AuthError{Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return nil, fmt.Errorf("gateway: handshake: %w", err)
	}

	var hello struct {
		Protocol int `json:"protocol"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hello); err == nil && hello.Protocol > 0 {
			if hello.Protocol < protocolMin || hello.Protocol > protocolMax {
				_ = link.Close()
				return nil, &ProtocolError{Reason: fmt.Sprintf("negotiated unsupported protocol %d", hello.Protocol)}
			}
		}
	}

	m.logger.Debug("gateway link established", "url", m.cfg.URL, "protocol", hello.Protocol)
	return link, nil
}

// awaitChallenge consumes events until the connect challenge arrives. The
// gateway sends it first after accepting the socket.
func (m *Manager) awaitChallenge(ctx context.Context, link *Link, events <-chan *Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return &TransportError{Op: "handshake", Err: link.Err()}
			}
			if ev.Event == EventConnectChallenge {
				return nil
			}
			m.logger.Debug("ignoring pre-handshake event", "event", ev.Event)
		case <-ctx.Done():
			return &TimeoutError{Method: "connect.challenge", Timeout: m.cfg.HandshakeTimeout}
		}
	}
}
