package transport

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/quickfixgo/quickfix"

	"xconnect/internal/xerrors"
)

// FIXTransport adapts a quickfix.Initiator session to the Transport
// interface, so internal/session drives it exactly like a websocket
// connection. Application-level FIX messages arrive on Inbound() as their
// raw wire bytes; Send accepts a pre-built FIX message body and routes it
// to the current SessionID via quickfix.SendToTarget.
//
// Grounded on the quickfix.Application callback shape (OnCreate, OnLogon,
// OnLogout, FromAdmin, ToAdmin, FromApp, ToApp) used by FIX market-data
// clients in the wild; ToAdmin is where the coinbasefix venue's
// HMAC-SHA256 logon signature gets stamped onto the outgoing Logon
// message, via the Signer callback.
type FIXTransport struct {
	settings *quickfix.SessionSettings
	logger   *slog.Logger

	// Signer computes the Logon message's signature fields. Supplied by
	// the venue package (coinbasefix), since it depends on venue-specific
	// credentials the transport itself never holds.
	Signer func(msg *quickfix.Message)

	initiator *quickfix.Initiator
	app       *fixApp

	inbound chan []byte
	closed  chan struct{}
	closeOnce sync.Once
	err     error
	errMu   sync.Mutex
}

// NewFIXTransport creates a FIX transport from parsed session settings.
// The initiator is not started until Open is called.
func NewFIXTransport(settings *quickfix.SessionSettings, logger *slog.Logger) *FIXTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &FIXTransport{
		settings: settings,
		logger:   logger.With("component", "fix_transport"),
		inbound:  make(chan []byte, inboundBufferSize),
		closed:   make(chan struct{}),
	}
	t.app = &fixApp{owner: t}
	return t
}

func (t *FIXTransport) Open(ctx context.Context) error {
	storeFactory := quickfix.NewMemoryStoreFactory()
	logFactory := quickfix.NewNullLogFactory()

	settingsMap := quickfix.NewSessionSettings()
	settingsMap.GlobalSettings().Merge(t.settings.GlobalSettings())

	initiator, err := quickfix.NewInitiator(t.app, storeFactory, settingsMap, logFactory)
	if err != nil {
		return xerrors.Transport("create fix initiator", err)
	}
	t.initiator = initiator

	if err := initiator.Start(); err != nil {
		return xerrors.Transport("start fix initiator", err)
	}

	select {
	case <-t.app.loggedOn:
	case <-t.app.loggedOut:
		return xerrors.Auth("fix logon failed", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *FIXTransport) Send(frame []byte) error {
	msg := quickfix.NewMessage()
	if err := quickfix.ParseMessage(msg, bytes.NewBuffer(frame)); err != nil {
		return xerrors.Protocol("parse outbound fix message", err)
	}
	sid := t.app.sessionID()
	if err := quickfix.SendToTarget(msg, sid); err != nil {
		return xerrors.Transport("send fix message", err)
	}
	return nil
}

func (t *FIXTransport) Inbound() <-chan []byte  { return t.inbound }
func (t *FIXTransport) Closed() <-chan struct{} { return t.closed }

func (t *FIXTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *FIXTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.initiator != nil {
			t.initiator.Stop()
		}
		close(t.closed)
	})
	return nil
}

func (t *FIXTransport) fail(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })
}

// fixApp implements quickfix.Application and forwards application-level
// messages to the owning FIXTransport's inbound channel.
type fixApp struct {
	owner *FIXTransport

	mu   sync.Mutex
	sid  quickfix.SessionID

	loggedOn  chan struct{}
	loggedOut chan struct{}
	initOnce  sync.Once
}

func (a *fixApp) init() {
	a.initOnce.Do(func() {
		a.loggedOn = make(chan struct{})
		a.loggedOut = make(chan struct{})
	})
}

func (a *fixApp) sessionID() quickfix.SessionID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sid
}

func (a *fixApp) OnCreate(sid quickfix.SessionID) {
	a.init()
	a.mu.Lock()
	a.sid = sid
	a.mu.Unlock()
}

func (a *fixApp) OnLogon(sid quickfix.SessionID) {
	a.init()
	a.owner.logger.Info("fix logon", "session_id", sid.String())
	select {
	case <-a.loggedOn:
	default:
		close(a.loggedOn)
	}
}

func (a *fixApp) OnLogout(sid quickfix.SessionID) {
	a.init()
	a.owner.logger.Warn("fix logout", "session_id", sid.String())
	select {
	case <-a.loggedOut:
	default:
		close(a.loggedOut)
	}
	a.owner.fail(xerrors.Transport("fix session logged out", nil))
}

func (a *fixApp) FromAdmin(msg *quickfix.Message, sid quickfix.SessionID) quickfix.MessageRejectError {
	return nil
}

func (a *fixApp) ToAdmin(msg *quickfix.Message, sid quickfix.SessionID) {
	if a.owner.Signer != nil {
		msgType, _ := msg.Header.GetString(quickfix.Tag(35))
		if msgType == "A" { // Logon
			a.owner.Signer(msg)
		}
	}
}

func (a *fixApp) FromApp(msg *quickfix.Message, sid quickfix.SessionID) quickfix.MessageRejectError {
	var buf bytes.Buffer
	buf.WriteString(msg.String())
	select {
	case a.owner.inbound <- buf.Bytes():
	default:
		a.owner.logger.Warn("fix inbound buffer full, dropping message")
	}
	return nil
}

func (a *fixApp) ToApp(msg *quickfix.Message, sid quickfix.SessionID) error {
	return nil
}
