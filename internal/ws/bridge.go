package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agentease/cdp-relay/internal/buffer"
	"github.com/agentease/cdp-relay/internal/frame"
	"github.com/agentease/cdp-relay/internal/model"
	"github.com/agentease/cdp-relay/internal/session"
)

// Time allowed to write a message to either peer.
const writeWait = 10 * time.Second

// Largest upstream frame read into memory. Frames above frame.MaxChunkSize
// but under this bound are dropped without closing the connection.
const upstreamReadLimit = frame.MaxMessageSize + frame.HeaderSize

// Close reasons sent to the client.
const (
	ReasonAcquireFailed      = "Acquire failed"
	ReasonBrowserUnavailable = "Browser unavailable"
	ReasonConnectionFailed   = "Connection failed"
	ReasonBufferOverflow     = "Buffer overflow"
	ReasonRecoveryFailed     = "Session recovery failed"
	ReasonShuttingDown       = "Server shutting down"
)

// Connector obtains upstream connections. *session.Manager implements it.
type Connector interface {
	// Connect reuses an idle session if one accepts, otherwise acquires one.
	Connect(ctx context.Context, opts session.Options) (*session.Upstream, error)
	// AcquireAndConnect always acquires a fresh session.
	AcquireAndConnect(ctx context.Context, opts session.Options) (*session.Upstream, error)
}

// Observer is told about every change to a bridge's record.
type Observer interface {
	BridgeChanged(rec model.BridgeRecord)
}

// BridgeConfig holds what a Bridge needs to run.
type BridgeConfig struct {
	ID            string
	Client        *websocket.Conn
	RemoteAddr    string
	Connector     Connector
	Options       session.Options
	Logger        logrus.FieldLogger
	Observer      Observer
	QueueCapacity int
}

type (
	clientMessage struct {
		data string
	}
	clientClosed struct {
		err error
	}
	upstreamChunk struct {
		conn *websocket.Conn
		data []byte
	}
	upstreamClosed struct {
		conn *websocket.Conn
		err  error
	}
	upstreamReady struct {
		upstream *session.Upstream
		err      error
	}
)

// Bridge relays one client connection to one upstream connection at a time.
// All fields below the config are owned by the Run goroutine.
type Bridge struct {
	client    *websocket.Conn
	connector Connector
	opts      session.Options
	log       logrus.FieldLogger
	observer  Observer

	events chan interface{}
	done   chan struct{}

	record     model.BridgeRecord
	upstream   *session.Upstream
	reused     bool
	clientOpen bool
	pending    *buffer.PendingQueue
	decoder    *frame.Decoder
}

// NewBridge creates a Bridge in the connecting state. Call Run to start it.
func NewBridge(config BridgeConfig) *Bridge {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	now := time.Now()
	return &Bridge{
		client:    config.Client,
		connector: config.Connector,
		opts:      config.Options,
		log:       config.Logger.WithFields(logrus.Fields{"bridge": config.ID, "remote": config.RemoteAddr}),
		observer:  config.Observer,
		events:    make(chan interface{}),
		done:      make(chan struct{}),
		record: model.BridgeRecord{
			ID:         config.ID,
			RemoteAddr: config.RemoteAddr,
			State:      model.BridgeStateConnecting,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		clientOpen: true,
		pending:    buffer.NewPendingQueue(config.QueueCapacity),
	}
}

// Record returns the bridge's record. It is only safe to call before Run
// starts or after it returns.
func (b *Bridge) Record() model.BridgeRecord {
	return b.record
}

// Run relays traffic until the bridge closes or ctx is cancelled. Both
// sockets are closed when it returns.
func (b *Bridge) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(b.done)
		b.closeUpstream()
		b.client.Close()
	}()

	b.client.SetReadLimit(frame.MaxMessageSize)
	go b.readClient()
	go b.dial(ctx, b.connector.Connect)

	for b.record.State != model.BridgeStateClosed {
		select {
		case ev := <-b.events:
			b.handle(ctx, ev)
		case <-ctx.Done():
			b.closeClient(websocket.CloseGoingAway, ReasonShuttingDown)
			b.setState(model.BridgeStateClosed)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev interface{}) {
	switch ev := ev.(type) {
	case clientMessage:
		b.handleClientMessage(ev.data)
	case clientClosed:
		b.handleClientClosed(ev.err)
	case upstreamReady:
		b.handleUpstreamReady(ev)
	case upstreamChunk:
		if b.upstream != nil && ev.conn == b.upstream.Conn {
			b.handleUpstreamChunk(ev.data)
		}
	case upstreamClosed:
		if b.upstream != nil && ev.conn == b.upstream.Conn {
			b.handleUpstreamClosed(ctx, ev.err)
		}
	}
}

func (b *Bridge) handleClientMessage(data string) {
	if b.upstream == nil {
		if err := b.pending.Push(data); err != nil {
			b.log.WithField("queued", b.pending.Len()).Warn("pending message queue overflow")
			b.closeClient(websocket.CloseInternalServerErr, ReasonBufferOverflow)
			b.setState(model.BridgeStateClosed)
		}
		return
	}
	b.sendUpstream(data)
}

func (b *Bridge) handleClientClosed(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code := ce.Code
		b.record.CloseCode = &code
		b.record.CloseReason = ce.Text
	}
	b.clientOpen = false
	b.log.WithError(err).Debug("client disconnected")
	b.closeUpstream()
	b.setState(model.BridgeStateClosed)
}

func (b *Bridge) handleUpstreamReady(ev upstreamReady) {
	if ev.err != nil {
		reason := ReasonRecoveryFailed
		if b.record.State == model.BridgeStateConnecting {
			reason = connectFailureReason(ev.err)
		}
		b.log.WithError(ev.err).Warn("no upstream connection available")
		b.closeClient(websocket.CloseInternalServerErr, reason)
		b.setState(model.BridgeStateClosed)
		return
	}

	b.upstream = ev.upstream
	b.reused = ev.upstream.Reused
	b.decoder = frame.NewDecoder()
	b.upstream.Conn.SetReadLimit(upstreamReadLimit)
	go b.readUpstream(b.upstream.Conn)

	b.record.SessionID = ev.upstream.SessionID
	b.record.Reused = ev.upstream.Reused
	b.log.WithFields(logrus.Fields{"session": ev.upstream.SessionID, "reused": ev.upstream.Reused}).Info("bridge attached to upstream")

	for _, msg := range b.pending.Drain() {
		b.sendUpstream(msg)
	}
	b.setState(model.BridgeStateBridging)
}

func (b *Bridge) handleUpstreamChunk(data []byte) {
	if len(data) > frame.MaxChunkSize {
		b.log.WithField("size", len(data)).Warn("dropped oversized upstream chunk")
		return
	}
	msg, ok, err := b.decoder.Push(data)
	if err != nil {
		b.log.WithError(err).Warn("dropped upstream message")
		return
	}
	if ok {
		b.sendClient(msg)
	}
}

// handleUpstreamClosed reconnects once when the lost upstream was a reused
// session. A freshly acquired session ending means the browser is gone.
func (b *Bridge) handleUpstreamClosed(ctx context.Context, err error) {
	b.log.WithError(err).WithField("reused", b.reused).Info("upstream disconnected")
	b.closeUpstream()

	if !b.reused {
		b.closeClient(websocket.CloseNormalClosure, "")
		b.setState(model.BridgeStateClosed)
		return
	}

	b.reused = false
	b.record.Reconnects++
	b.setState(model.BridgeStateReconnecting)
	go b.dial(ctx, b.connector.AcquireAndConnect)
}

// dial runs connect off the event loop and reports the outcome to it.
func (b *Bridge) dial(ctx context.Context, connect func(context.Context, session.Options) (*session.Upstream, error)) {
	up, err := connect(ctx, b.opts)
	if err == nil && up == nil {
		err = model.ErrBrowserUnavailable
	}

	select {
	case b.events <- upstreamReady{upstream: up, err: err}:
	case <-b.done:
		if up != nil {
			up.Conn.Close()
		}
	}
}

func (b *Bridge) readClient() {
	for {
		_, data, err := b.client.ReadMessage()
		if err != nil {
			b.post(clientClosed{err: err})
			return
		}
		if !b.post(clientMessage{data: string(data)}) {
			return
		}
	}
}

func (b *Bridge) readUpstream(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			b.post(upstreamClosed{conn: conn, err: err})
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if !b.post(upstreamChunk{conn: conn, data: data}) {
			return
		}
	}
}

// post hands ev to the event loop, returning false once the bridge is gone.
func (b *Bridge) post(ev interface{}) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}

func (b *Bridge) sendUpstream(msg string) {
	conn := b.upstream.Conn
	for _, chunk := range frame.Encode(msg) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			b.log.WithError(err).Debug("upstream send failed")
			return
		}
	}
}

func (b *Bridge) sendClient(msg string) {
	if !b.clientOpen {
		return
	}
	b.client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		b.log.WithError(err).Debug("client send failed")
	}
}

func (b *Bridge) closeClient(code int, reason string) {
	if !b.clientOpen {
		return
	}
	b.clientOpen = false
	b.record.CloseCode = &code
	b.record.CloseReason = reason

	msg := websocket.FormatCloseMessage(code, reason)
	_ = b.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	b.client.Close()
}

func (b *Bridge) closeUpstream() {
	if b.upstream == nil {
		return
	}
	b.upstream.Conn.Close()
	b.upstream = nil
	b.decoder = nil
}

func (b *Bridge) setState(state model.BridgeState) {
	b.record.State = state
	b.record.UpdatedAt = time.Now()
	if b.observer != nil {
		b.observer.BridgeChanged(b.record)
	}
}

// connectFailureReason maps an initial connection failure to a close reason.
func connectFailureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrAcquireFailed):
		return ReasonAcquireFailed
	case errors.Is(err, model.ErrBrowserUnavailable):
		return ReasonBrowserUnavailable
	default:
		return ReasonConnectionFailed
	}
}
