package server

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/tenant"
	"github.com/roach88/eventvault/internal/wire"
)

// connParams are the query parameters of a sync connection.
//
// recipient marks a connection that only delivers shared entries into
// another user's vault for the key.
type connParams struct {
	key       tenant.Key
	device    string
	token     string
	user      string
	recipient bool
}

func parseConnParams(r *http.Request) connParams {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	return connParams{
		key: tenant.Key{
			Namespace: q.Get("namespace"),
			PublicKey: q.Get("publicKey"),
		},
		device:    q.Get("device"),
		token:     token,
		recipient: q.Get("recipient") == "1",
	}
}

func (p connParams) missing() []string {
	var out []string
	if p.key.Namespace == "" {
		out = append(out, "namespace")
	}
	if p.key.PublicKey == "" {
		out = append(out, "publicKey")
	}
	if p.device == "" {
		out = append(out, "device")
	}
	return out
}

// handleSync serves one device connection.
//
// Connection attempts are rate limited before the upgrade; a refused attempt
// gets HTTP 429. Everything after the upgrade is reported with close codes
// and Error frames.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	p := parseConnParams(r)

	ok, err := s.gate.AllowConnect(r.Context(), p.token, r.RemoteAddr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, syncerr.RateLimited(p.token))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn := wire.NewConn(ws)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, release, err := s.admit(ctx, &p)
	if err != nil {
		s.logger.Info("connection refused", "device", p.device, "error", err)
		_ = conn.Close(syncerr.CloseCodeOf(err), closeReason(err))
		return
	}
	defer release()

	logger := s.logger.With("tenant", p.key.ID()[:12], "device", p.device)
	if err := conn.Write(wire.TypeHello, sess.Hello()); err != nil {
		_ = conn.Close(syncerr.CloseUnknown, "")
		return
	}
	logger.Debug("device connected", "head", sess.Hello().Head)

	if !sess.Delivery() {
		go s.forward(conn, sess)
	}
	code, reason := s.serve(ctx, conn, sess, p.user)
	_ = conn.Close(code, reason)
	logger.Debug("device disconnected", "code", int(code))
}

// admit authenticates p and opens a session on its tenant. A recipient
// connection is routed to the tenant that holds the key's vault; it gets a
// delivery session unless that vault is the user's own. The returned
// release closes the session and drops the actor handle.
func (s *Server) admit(ctx context.Context, p *connParams) (*tenant.Session, func(), error) {
	ctx, span := s.tracer.Start(ctx, "server.connect",
		trace.WithAttributes(attribute.String("device", p.device)))
	defer span.End()

	fail := func(err error) (*tenant.Session, func(), error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	if missing := p.missing(); len(missing) > 0 {
		return fail(syncerr.MissingFields(missing...))
	}
	user, ok := s.user(p.token)
	if !ok {
		return fail(syncerr.Unauthorized("invalid or missing token"))
	}
	p.user = user
	p.key.UserID = user
	if p.recipient {
		key, err := s.host.RecipientKey(ctx, p.key.Namespace, p.key.PublicKey, user)
		if err != nil {
			return fail(err)
		}
		p.key = key
	}
	span.SetAttributes(attribute.String("tenant.id", p.key.ID()), attribute.Bool("recipient", p.recipient))

	h, err := s.host.Acquire(p.key)
	if err != nil {
		return fail(err)
	}
	open := h.Actor().Connect
	if p.recipient && p.key.UserID != user {
		open = h.Actor().Deliver
	}
	sess, err := open(ctx, p.device)
	if err != nil {
		h.Release()
		return fail(err)
	}
	return sess, func() {
		sess.Close()
		h.Release()
	}, nil
}

// forward relays broadcasts until the session ends. A session dropped for
// falling behind is closed as an unknown error so the device reconnects and
// catches up with a pull.
func (s *Server) forward(conn *wire.Conn, sess *tenant.Session) {
	for b := range sess.C() {
		if err := conn.Write(wire.TypeEntries, wire.Entries{RemoteID: b.RemoteID, Entries: b.Entries}); err != nil {
			return
		}
	}
	if sess.Overflowed() {
		_ = conn.Close(syncerr.CloseUnknown, "fell behind")
		return
	}
	_ = conn.Close(syncerr.CloseNormal, "vault closed")
}

// serve reads frames until the connection ends and returns the close to
// send.
func (s *Server) serve(ctx context.Context, conn *wire.Conn, sess *tenant.Session, userID string) (syncerr.CloseCode, string) {
	hello := sess.Hello()
	for {
		f, err := conn.Read()
		if err != nil {
			var ce *wire.CloseError
			switch {
			case errors.As(err, &ce):
				return syncerr.CloseNormal, ""
			case syncerr.IsParse(err):
				_ = conn.WriteError(err, "")
				continue
			default:
				return syncerr.CloseUnknown, ""
			}
		}

		switch f.Type {
		case wire.TypePush:
			var push wire.Push
			if err := f.DecodeBody(&push); err != nil {
				_ = conn.WriteError(err, "")
				continue
			}
			if code, reason, stop := s.push(ctx, conn, sess, userID, push); stop {
				return code, reason
			}

		case wire.TypePull:
			var pull wire.Pull
			if err := f.DecodeBody(&pull); err != nil {
				_ = conn.WriteError(err, "")
				continue
			}
			limit := pull.Limit
			if limit <= 0 || limit > s.cfg.PullLimit {
				limit = s.cfg.PullLimit
			}
			entries, more, err := sess.Pull(ctx, pull.Since, limit)
			if err != nil {
				_ = conn.WriteError(err, pull.RequestID)
				continue
			}
			_ = conn.Write(wire.TypeEntries, wire.Entries{
				RequestID: pull.RequestID,
				RemoteID:  hello.RemoteID,
				Entries:   entries,
				More:      more,
			})

		default:
			_ = conn.WriteError(syncerr.Parse("unexpected frame type "+string(f.Type), nil), "")
		}
	}
}

// push handles one Push frame. A fatal error stops the connection with its
// close code; a rate limit or retryable failure is answered with an Error
// frame and the connection continues.
func (s *Server) push(ctx context.Context, conn *wire.Conn, sess *tenant.Session, userID string, push wire.Push) (syncerr.CloseCode, string, bool) {
	ok, err := s.gate.AllowMutation(ctx, s.tier(userID), "user:"+userID)
	if err == nil && !ok {
		err = syncerr.RateLimited(userID)
	}
	if err == nil {
		var res tenant.PushResult
		res, err = sess.Push(ctx, push.Entries)
		if err == nil {
			_ = conn.Write(wire.TypeAck, wire.Ack{RequestID: push.RequestID, Stored: len(res.Stored), Head: res.Head})
			return 0, "", false
		}
	}

	err = publicError(err)
	if code := syncerr.CloseCodeOf(err); code.Fatal() {
		return code, closeReason(err), true
	}
	_ = conn.WriteError(err, push.RequestID)
	return 0, "", false
}

// maxCloseReason keeps a close frame within the 125 byte control frame limit.
const maxCloseReason = 120

// closeReason is the public message of err, sized for a close frame.
func closeReason(err error) string {
	msg := wire.NewErrorEnvelope(err, "").Message
	if len(msg) > maxCloseReason {
		msg = msg[:maxCloseReason]
	}
	return msg
}
