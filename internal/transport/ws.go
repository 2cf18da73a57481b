package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"xconnect/internal/xerrors"
)

const (
	defaultWriteTimeout = 10 * time.Second
	inboundBufferSize   = 512
)

// WSTransport is a gorilla/websocket-backed Transport. It owns exactly one
// connection attempt: Session Machine reconnect logic lives one layer up
// (internal/session), not here — this type never reconnects itself.
type WSTransport struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	inbound chan []byte
	closed  chan struct{}
	closeOnce sync.Once
	err     error
	errMu   sync.Mutex
}

// NewWSTransport creates a websocket transport for url. The connection is
// not dialed until Open is called.
func NewWSTransport(url string, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		url:     url,
		logger:  logger.With("component", "ws_transport"),
		inbound: make(chan []byte, inboundBufferSize),
		closed:  make(chan struct{}),
	}
}

func (t *WSTransport) Open(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return xerrors.Transport("dial", err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	go t.readLoop()
	return nil
}

func (t *WSTransport) readLoop() {
	for {
		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()
		if conn == nil {
			t.fail(xerrors.Transport("read", fmt.Errorf("not connected")))
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.fail(xerrors.Transport("read", err))
			return
		}

		select {
		case t.inbound <- msg:
		default:
			t.logger.Warn("inbound buffer full, dropping frame")
		}
	}
}

func (t *WSTransport) fail(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
	t.closeOnce.Do(func() {
		t.connMu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.connMu.Unlock()
		close(t.closed)
	})
}

func (t *WSTransport) Send(frame []byte) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return xerrors.Transport("send", fmt.Errorf("not connected"))
	}
	t.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return xerrors.Transport("send", err)
	}
	return nil
}

func (t *WSTransport) Inbound() <-chan []byte   { return t.inbound }
func (t *WSTransport) Closed() <-chan struct{}  { return t.closed }

func (t *WSTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connMu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.connMu.Unlock()
		close(t.closed)
	})
	return nil
}
