// Package session talks to the upstream browser service: it lists browser
// sessions, acquires new ones and opens devtools WebSocket connections to them.
//
// The upstream is the only source of truth for which sessions are idle, so
// nothing here caches session state between calls.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agentease/cdp-relay/internal/frame"
	"github.com/agentease/cdp-relay/internal/model"
)

// DefaultKeepAlive is the keep-alive requested for newly acquired sessions.
const DefaultKeepAlive = 120 * time.Second

const (
	sessionsPath = "/v1/sessions"
	acquirePath  = "/v1/acquire"
	connectPath  = "/v1/connectDevtools"
)

// Options controls how a bridge obtains its upstream connection.
type Options struct {
	KeepAlive  time.Duration
	Persistent bool
}

// Upstream is an open devtools connection to a browser session.
type Upstream struct {
	Conn      *websocket.Conn
	SessionID string

	// Reused is true when the connection attached to an existing idle session
	// rather than one acquired for this client.
	Reused bool
}

// Config holds configuration for the session manager.
type Config struct {
	// UpstreamURL is the http(s) base URL of the upstream control endpoint.
	UpstreamURL string
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	Logger      logrus.FieldLogger
}

// Manager manages upstream browser sessions.
type Manager struct {
	baseURL *url.URL
	client  *http.Client
	dialer  *websocket.Dialer
	log     logrus.FieldLogger
}

// NewManager creates a new session manager.
func NewManager(config Config) (*Manager, error) {
	base, err := url.Parse(strings.TrimSuffix(config.UpstreamURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream url must be http or https, got %q", config.UpstreamURL)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Dialer == nil {
		// Each chunk must leave as a single WebSocket frame.
		config.Dialer = &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  frame.MaxChunkSize,
		}
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	return &Manager{
		baseURL: base,
		client:  config.HTTPClient,
		dialer:  config.Dialer,
		log:     config.Logger,
	}, nil
}

// ListSessions returns every session the upstream knows about. Any failure is
// logged and reported as an empty list.
func (m *Manager) ListSessions(ctx context.Context) []model.Session {
	var list model.SessionList
	if err := m.getJSON(ctx, m.endpoint(sessionsPath, nil), &list); err != nil {
		m.log.WithError(err).Debug("session listing failed, treating as empty")
		return nil
	}
	return list.Sessions
}

// ConnectToSession opens a devtools WebSocket to sessionID. A declined or
// failed upgrade is reported as ErrBrowserUnavailable.
func (m *Manager) ConnectToSession(ctx context.Context, sessionID string, persistent bool) (*websocket.Conn, error) {
	query := url.Values{}
	query.Set("browser_session", sessionID)
	if persistent {
		query.Set("persistent", "true")
	}

	u := m.endpoint(connectPath, query)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: session %s: upstream status %d", model.ErrBrowserUnavailable, sessionID, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: session %s: %v", model.ErrBrowserUnavailable, sessionID, err)
	}
	return conn, nil
}

// AcquireNew asks the upstream for a fresh browser session.
func (m *Manager) AcquireNew(ctx context.Context, keepAlive time.Duration) (string, error) {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	query := url.Values{}
	query.Set("keep_alive", strconv.FormatInt(keepAlive.Milliseconds(), 10))

	var acquired model.AcquireResponse
	if err := m.getJSON(ctx, m.endpoint(acquirePath, query), &acquired); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrAcquireFailed, err)
	}
	if acquired.SessionID == "" {
		return "", fmt.Errorf("%w: response carried no sessionId", model.ErrAcquireFailed)
	}
	return acquired.SessionID, nil
}

// AcquireAndConnect acquires a fresh session and connects to it.
func (m *Manager) AcquireAndConnect(ctx context.Context, opts Options) (*Upstream, error) {
	sessionID, err := m.AcquireNew(ctx, opts.KeepAlive)
	if err != nil {
		return nil, err
	}

	conn, err := m.ConnectToSession(ctx, sessionID, opts.Persistent)
	if err != nil {
		return nil, err
	}

	m.log.WithField("session", sessionID).Debug("connected to acquired session")
	return &Upstream{Conn: conn, SessionID: sessionID}, nil
}

// Connect attaches to the first idle session that accepts a connection, in
// listing order, and falls back to AcquireAndConnect when none does.
func (m *Manager) Connect(ctx context.Context, opts Options) (*Upstream, error) {
	for _, s := range m.ListSessions(ctx) {
		if !s.Idle() {
			continue
		}

		conn, err := m.ConnectToSession(ctx, s.SessionID, opts.Persistent)
		if err != nil {
			m.log.WithError(err).WithField("session", s.SessionID).Debug("idle session unusable")
			continue
		}

		m.log.WithField("session", s.SessionID).Debug("reusing idle session")
		return &Upstream{Conn: conn, SessionID: s.SessionID, Reused: true}, nil
	}

	return m.AcquireAndConnect(ctx, opts)
}

// endpoint builds an absolute URL for path on the upstream host.
func (m *Manager) endpoint(path string, query url.Values) *url.URL {
	u := *m.baseURL
	u.Path = m.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return &u
}

// getJSON performs a GET and decodes a successful JSON response into v.
func (m *Manager) getJSON(ctx context.Context, u *url.URL, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upstream %s returned status %d", u.Path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return nil
}
