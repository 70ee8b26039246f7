package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

// liveBuffer is how many broadcasts a link holds for the client loop. A
// broadcast that does not fit is dropped and the link asks for a pull.
const liveBuffer = 64

// link is one connection to one vault.
type link struct {
	vault  string
	conn   *wire.Conn
	hello  wire.Hello
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	waiting map[string]chan wire.Frame
	err     error

	live chan wire.Entries
	lost atomic.Bool // a broadcast was dropped
	done chan struct{}
}

// syncURL builds the connection URL for vault. A recipient URL asks the
// server for the vault's owner instead of this user's own tenant.
func syncURL(base, namespace, vault, device, token string, recipient bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse sync url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("namespace", namespace)
	q.Set("publicKey", vault)
	q.Set("device", device)
	q.Set("token", token)
	if recipient {
		q.Set("recipient", "1")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial connects to vault and waits for the server's Hello. A refused
// connection is returned as the server's *wire.CloseError, or as the error
// from its HTTP envelope when the upgrade itself was refused.
func dial(ctx context.Context, dialer *websocket.Dialer, rawURL, vault string, logger *slog.Logger) (*link, error) {
	ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, handshakeError(resp, err)
		}
		return nil, syncerr.Transient("dial "+vault, err)
	}
	conn := wire.NewConn(ws)

	f, err := conn.Read()
	if err != nil {
		_ = conn.Close(syncerr.CloseNormal, "")
		return nil, err
	}
	if f.Type != wire.TypeHello {
		_ = conn.Close(syncerr.CloseNormal, "")
		return nil, syncerr.Parse("expected hello, got "+string(f.Type), nil)
	}
	var hello wire.Hello
	if err := f.DecodeBody(&hello); err != nil {
		_ = conn.Close(syncerr.CloseNormal, "")
		return nil, err
	}

	l := &link{
		vault:   vault,
		conn:    conn,
		hello:   hello,
		logger:  logger,
		waiting: make(map[string]chan wire.Frame),
		live:    make(chan wire.Entries, liveBuffer),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// handshakeError decodes the envelope of a refused upgrade.
func handshakeError(resp *http.Response, cause error) error {
	var env wire.ErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Kind != "" {
		return env.Err()
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return syncerr.RateLimited("connect")
	}
	return syncerr.Transient("websocket handshake: "+resp.Status, cause)
}

func (l *link) readLoop() {
	var err error
	defer func() { l.fail(err) }()
	for {
		var f wire.Frame
		f, err = l.conn.Read()
		if err != nil {
			if syncerr.IsParse(err) {
				l.logger.Warn("dropping malformed frame", "vault", short(l.vault), "error", err)
				continue
			}
			return
		}
		l.dispatch(f)
	}
}

// requestIDOf peeks at the request id of a reply.
func requestIDOf(f wire.Frame) string {
	var body struct {
		RequestID string `msgpack:"requestId"`
	}
	if err := f.DecodeBody(&body); err != nil {
		return ""
	}
	return body.RequestID
}

func (l *link) dispatch(f wire.Frame) {
	id := requestIDOf(f)
	if id == "" {
		switch f.Type {
		case wire.TypeEntries:
			var e wire.Entries
			if err := f.DecodeBody(&e); err != nil {
				l.logger.Warn("dropping malformed broadcast", "vault", short(l.vault), "error", err)
				return
			}
			select {
			case l.live <- e:
			default:
				l.lost.Store(true)
			}
		case wire.TypeError:
			var env wire.ErrorEnvelope
			_ = f.DecodeBody(&env)
			l.logger.Warn("server reported error", "vault", short(l.vault), "kind", env.Kind, "message", env.Message)
		}
		return
	}

	l.mu.Lock()
	ch, ok := l.waiting[id]
	delete(l.waiting, id)
	l.mu.Unlock()
	if ok {
		ch <- f
	}
}

// fail ends the link with err and releases every waiting request.
func (l *link) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return
	default:
	}
	if err == nil {
		err = syncerr.Transient("link closed", nil)
	}
	l.err = err
	l.waiting = make(map[string]chan wire.Frame)
	close(l.done)
}

// Err returns why the link ended. Valid after done is closed.
func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// request sends body and waits for the reply with the same request id.
func (l *link) request(ctx context.Context, t wire.Type, id string, body any) (wire.Frame, error) {
	reply := make(chan wire.Frame, 1)
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return wire.Frame{}, err
	}
	l.waiting[id] = reply
	l.mu.Unlock()

	forget := func() {
		l.mu.Lock()
		delete(l.waiting, id)
		l.mu.Unlock()
	}
	if err := l.conn.Write(t, body); err != nil {
		forget()
		return wire.Frame{}, err
	}

	select {
	case f := <-reply:
		if f.Type == wire.TypeError {
			var env wire.ErrorEnvelope
			if err := f.DecodeBody(&env); err != nil {
				return wire.Frame{}, err
			}
			return wire.Frame{}, env.Err()
		}
		return f, nil
	case <-l.done:
		return wire.Frame{}, l.Err()
	case <-ctx.Done():
		forget()
		return wire.Frame{}, ctx.Err()
	}
}

func (l *link) newRequestID() string {
	return strconv.FormatUint(l.nextID.Add(1), 10)
}

// push sends entries and returns the server's acknowledgement.
func (l *link) push(ctx context.Context, entries []wire.EncryptedEntry) (wire.Ack, error) {
	id := l.newRequestID()
	f, err := l.request(ctx, wire.TypePush, id, wire.Push{RequestID: id, Entries: entries})
	if err != nil {
		return wire.Ack{}, err
	}
	var ack wire.Ack
	if f.Type != wire.TypeAck {
		return ack, syncerr.Parse("expected ack, got "+string(f.Type), nil)
	}
	return ack, f.DecodeBody(&ack)
}

// pull requests entries after since.
func (l *link) pull(ctx context.Context, since int64, limit int) (wire.Entries, error) {
	id := l.newRequestID()
	f, err := l.request(ctx, wire.TypePull, id, wire.Pull{RequestID: id, Since: since, Limit: limit})
	if err != nil {
		return wire.Entries{}, err
	}
	var page wire.Entries
	if f.Type != wire.TypeEntries {
		return page, syncerr.Parse("expected entries, got "+string(f.Type), nil)
	}
	return page, f.DecodeBody(&page)
}

// close ends the link with a normal close.
func (l *link) close() {
	_ = l.conn.Close(syncerr.CloseNormal, "")
	<-l.done
}

// short abbreviates a public key for logs.
func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
