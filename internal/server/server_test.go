package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/eventvault/internal/admission"
	"github.com/roach88/eventvault/internal/backend"
	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/tenant"
	"github.com/roach88/eventvault/internal/wire"
)

const (
	testToken = "tok-alice"
	bobToken  = "tok-bob"
)

var testLimits = backend.Limits{MaxDevices: 2, MaxVaults: 2, MaxStorageBytes: 1 << 20}

func newTestServer(t *testing.T, gate *admission.Gate, opts ...Option) *httptest.Server {
	t.Helper()
	store, err := backend.Open(filepath.Join(t.TempDir(), "backend.db"))
	require.NoError(t, err)
	host := tenant.NewHost(store, tenant.WithActorOptions(tenant.WithLimits(testLimits)))
	srv := New(host, gate, Config{Tokens: map[string]string{testToken: "alice", bobToken: "bob"}}, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		host.Close()
		store.Close()
	})
	return ts
}

// client is one raw websocket connection.
type client struct {
	ws   *websocket.Conn
	conn *wire.Conn
}

func syncURL(ts *httptest.Server, device, token string) string {
	q := url.Values{}
	q.Set("namespace", "notes")
	q.Set("publicKey", "pk-alice")
	if device != "" {
		q.Set("device", device)
	}
	if token != "" {
		q.Set("token", token)
	}
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync?" + q.Encode()
}

func dialRaw(t *testing.T, ts *httptest.Server, device, token string) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(syncURL(ts, device, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &client{ws: ws, conn: wire.NewConn(ws)}
}

// connect dials and reads the Hello.
func connect(t *testing.T, ts *httptest.Server, device string) (*client, wire.Hello) {
	t.Helper()
	c := dialRaw(t, ts, device, testToken)
	f := c.read(t)
	require.Equal(t, wire.TypeHello, f.Type)
	var hello wire.Hello
	require.NoError(t, f.DecodeBody(&hello))
	return c, hello
}

func (c *client) read(t *testing.T) wire.Frame {
	t.Helper()
	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	f, err := c.conn.Read()
	require.NoError(t, err)
	return f
}

// readClose expects the server to close the connection.
func (c *client) readClose(t *testing.T) *wire.CloseError {
	t.Helper()
	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, err := c.conn.Read()
		if err == nil {
			continue
		}
		var ce *wire.CloseError
		require.ErrorAs(t, err, &ce)
		return ce
	}
}

func entry(id string) wire.EncryptedEntry {
	return wire.EncryptedEntry{
		IV:             [12]byte{1},
		EntryID:        []byte(id),
		EncryptedEntry: []byte("ct-" + id),
		EncryptedDEK:   []byte("dek-" + id),
	}
}

func TestSync_PushAckPull(t *testing.T) {
	ts := newTestServer(t, nil)
	c, hello := connect(t, ts, "laptop")
	assert.NotEmpty(t, hello.RemoteID)
	assert.Zero(t, hello.Head)

	require.NoError(t, c.conn.Write(wire.TypePush, wire.Push{RequestID: "p1", Entries: []wire.EncryptedEntry{entry("a"), entry("b")}}))
	f := c.read(t)
	require.Equal(t, wire.TypeAck, f.Type)
	var ack wire.Ack
	require.NoError(t, f.DecodeBody(&ack))
	assert.Equal(t, wire.Ack{RequestID: "p1", Stored: 2, Head: 2}, ack)

	require.NoError(t, c.conn.Write(wire.TypePull, wire.Pull{RequestID: "q1", Since: 1}))
	f = c.read(t)
	require.Equal(t, wire.TypeEntries, f.Type)
	var page wire.Entries
	require.NoError(t, f.DecodeBody(&page))
	assert.Equal(t, "q1", page.RequestID)
	assert.Equal(t, hello.RemoteID, page.RemoteID)
	assert.False(t, page.More)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, int64(2), page.Entries[0].Sequence)
	assert.Equal(t, []byte("b"), page.Entries[0].EntryID)
}

func TestSync_PullLimitSetsMore(t *testing.T) {
	ts := newTestServer(t, nil)
	c, _ := connect(t, ts, "laptop")
	require.NoError(t, c.conn.Write(wire.TypePush, wire.Push{RequestID: "p1", Entries: []wire.EncryptedEntry{entry("a"), entry("b"), entry("c")}}))
	c.read(t)

	require.NoError(t, c.conn.Write(wire.TypePull, wire.Pull{RequestID: "q1", Limit: 2}))
	var page wire.Entries
	require.NoError(t, c.read(t).DecodeBody(&page))
	assert.Len(t, page.Entries, 2)
	assert.True(t, page.More)
}

func TestSync_BroadcastsToOtherDevices(t *testing.T) {
	ts := newTestServer(t, nil)
	a, _ := connect(t, ts, "laptop")
	b, _ := connect(t, ts, "phone")

	require.NoError(t, a.conn.Write(wire.TypePush, wire.Push{RequestID: "p1", Entries: []wire.EncryptedEntry{entry("a")}}))
	assert.Equal(t, wire.TypeAck, a.read(t).Type)

	f := b.read(t)
	require.Equal(t, wire.TypeEntries, f.Type)
	var live wire.Entries
	require.NoError(t, f.DecodeBody(&live))
	assert.Empty(t, live.RequestID)
	require.Len(t, live.Entries, 1)
	assert.Equal(t, int64(1), live.Entries[0].Sequence)
}

// dialRecipient dials publicKey as a recipient with bob's token.
func dialRecipient(t *testing.T, ts *httptest.Server, publicKey string) *client {
	t.Helper()
	q := url.Values{}
	q.Set("namespace", "notes")
	q.Set("publicKey", publicKey)
	q.Set("device", "bob-laptop")
	q.Set("token", bobToken)
	q.Set("recipient", "1")
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/sync?"+q.Encode(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &client{ws: ws, conn: wire.NewConn(ws)}
}

func TestSync_RecipientDeliversToOwner(t *testing.T) {
	ts := newTestServer(t, nil)

	none := dialRecipient(t, ts, "pk-alice")
	assert.Equal(t, syncerr.CloseVaultRegistrationFailed, none.readClose(t).Code, "no vault for the key yet")

	owner, hello := connect(t, ts, "laptop")

	bob := dialRecipient(t, ts, "pk-alice")
	f := bob.read(t)
	require.Equal(t, wire.TypeHello, f.Type)
	var bobHello wire.Hello
	require.NoError(t, f.DecodeBody(&bobHello))
	assert.Equal(t, hello.RemoteID, bobHello.RemoteID, "routed to alice's vault")

	require.NoError(t, bob.conn.Write(wire.TypePush, wire.Push{RequestID: "p1", Entries: []wire.EncryptedEntry{entry("shared")}}))
	assert.Equal(t, wire.TypeAck, bob.read(t).Type)

	f = owner.read(t)
	require.Equal(t, wire.TypeEntries, f.Type)
	var live wire.Entries
	require.NoError(t, f.DecodeBody(&live))
	require.Len(t, live.Entries, 1)
	assert.Equal(t, []byte("shared"), live.Entries[0].EntryID)

	require.NoError(t, bob.conn.Write(wire.TypePull, wire.Pull{RequestID: "q1"}))
	f = bob.read(t)
	require.Equal(t, wire.TypeError, f.Type)
	var env wire.ErrorEnvelope
	require.NoError(t, f.DecodeBody(&env))
	assert.Equal(t, string(syncerr.KindUnauthorized), env.Kind)
	assert.Equal(t, "q1", env.RequestID)
}

func TestSync_RefusedConnections(t *testing.T) {
	ts := newTestServer(t, nil)
	connect(t, ts, "laptop")
	connect(t, ts, "phone")

	tests := []struct {
		name   string
		device string
		token  string
		want   syncerr.CloseCode
	}{
		{"bad token", "tablet", "nope", syncerr.CloseUnauthorized},
		{"no device", "", testToken, syncerr.CloseMissingFields},
		{"device limit", "tablet", testToken, syncerr.CloseMaxDevicesReached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialRaw(t, ts, tt.device, tt.token)
			ce := c.readClose(t)
			assert.Equal(t, tt.want, ce.Code)
			assert.NotEmpty(t, ce.Reason)
		})
	}
}

func TestSync_ConnectRateLimited(t *testing.T) {
	gate := admission.NewGate(admission.NewMemory(nil), admission.WithConnectRule(admission.Rule{Limit: 1, Window: time.Hour}))
	ts := newTestServer(t, gate)
	connect(t, ts, "laptop")

	_, resp, err := websocket.DefaultDialer.Dial(syncURL(ts, "laptop", testToken), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var env wire.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, string(syncerr.KindRateLimited), env.Kind)
	assert.Equal(t, int(syncerr.CloseTooManyRequests), env.Code)
	assert.True(t, env.Retry)
}

func TestSync_PushRateLimitedKeepsConnection(t *testing.T) {
	gate := admission.NewGate(admission.NewMemory(nil),
		admission.WithTier(admission.DefaultTier, admission.Rule{Limit: 1, Window: time.Hour}))
	ts := newTestServer(t, gate)
	c, _ := connect(t, ts, "laptop")

	require.NoError(t, c.conn.Write(wire.TypePush, wire.Push{RequestID: "p1", Entries: []wire.EncryptedEntry{entry("a")}}))
	assert.Equal(t, wire.TypeAck, c.read(t).Type)

	require.NoError(t, c.conn.Write(wire.TypePush, wire.Push{RequestID: "p2", Entries: []wire.EncryptedEntry{entry("b")}}))
	f := c.read(t)
	require.Equal(t, wire.TypeError, f.Type)
	var env wire.ErrorEnvelope
	require.NoError(t, f.DecodeBody(&env))
	assert.Equal(t, "p2", env.RequestID)
	assert.Equal(t, string(syncerr.KindRateLimited), env.Kind)

	require.NoError(t, c.conn.Write(wire.TypePull, wire.Pull{RequestID: "q1"}))
	assert.Equal(t, wire.TypeEntries, c.read(t).Type)
}

func TestSync_InvalidPushCloses(t *testing.T) {
	ts := newTestServer(t, nil)
	c, _ := connect(t, ts, "laptop")

	bad := entry("a")
	bad.EncryptedDEK = nil
	require.NoError(t, c.conn.Write(wire.TypePush, wire.Push{RequestID: "p1", Entries: []wire.EncryptedEntry{bad}}))
	assert.Equal(t, syncerr.CloseMissingFields, c.readClose(t).Code)
}

func TestSync_MalformedFrameKeepsConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	c, _ := connect(t, ts, "laptop")

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("hello?")))
	f := c.read(t)
	require.Equal(t, wire.TypeError, f.Type)
	var env wire.ErrorEnvelope
	require.NoError(t, f.DecodeBody(&env))
	assert.Equal(t, string(syncerr.KindParse), env.Kind)

	require.NoError(t, c.conn.Write(wire.TypeAck, wire.Ack{}))
	assert.Equal(t, wire.TypeError, c.read(t).Type, "unexpected frame types are answered")

	require.NoError(t, c.conn.Write(wire.TypePull, wire.Pull{RequestID: "q1"}))
	assert.Equal(t, wire.TypeEntries, c.read(t).Type)
}

func TestSync_DestroyClosesSessions(t *testing.T) {
	ts := newTestServer(t, nil)
	c, _ := connect(t, ts, "laptop")

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/vaults/pk-alice?namespace=notes", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	ce := c.readClose(t)
	assert.Equal(t, syncerr.CloseNormal, ce.Code)
	assert.Equal(t, "vault closed", ce.Reason)
}

func TestSync_ConnectSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	ts := newTestServer(t, nil, WithTracerProvider(tp))
	connect(t, ts, "laptop")

	var found bool
	for _, s := range sr.Ended() {
		if s.Name() != "server.connect" {
			continue
		}
		found = true
		assert.Contains(t, s.Attributes(), attribute.String("device", "laptop"))
		want := tenant.Key{Namespace: "notes", PublicKey: "pk-alice", UserID: "alice"}.ID()
		assert.Contains(t, s.Attributes(), attribute.String("tenant.id", want))
	}
	assert.True(t, found)
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token, body string) (*http.Response, wire.ErrorEnvelope) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env wire.ErrorEnvelope
	if resp.StatusCode >= 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, env
}

func TestREST_StatusMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	const vault = "/v1/vaults/pk-alice?namespace=notes"

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		status int
		kind   syncerr.Kind
	}{
		{"no token", http.MethodGet, vault, "", "", http.StatusUnauthorized, syncerr.KindUnauthorized},
		{"no namespace", http.MethodGet, "/v1/vaults/pk-alice", testToken, "", http.StatusBadRequest, syncerr.KindMissingFields},
		{"unknown vault", http.MethodGet, vault, testToken, "", http.StatusNotFound, syncerr.KindNotFound},
		{"bad body", http.MethodPost, vault, testToken, "{", http.StatusBadRequest, syncerr.KindParse},
		{"create", http.MethodPost, vault, testToken, `{"note":"laptop"}`, http.StatusCreated, ""},
		{"info", http.MethodGet, vault, testToken, "", http.StatusOK, ""},
		{"update", http.MethodPatch, vault, testToken, `{"note":"desk"}`, http.StatusOK, ""},
		{"stats", http.MethodGet, "/v1/vaults/pk-alice/stats?namespace=notes", testToken, "", http.StatusOK, ""},
		{"third vault", http.MethodPost, "/v1/vaults/pk-b?namespace=notes", testToken, "", http.StatusCreated, ""},
		{"vault limit", http.MethodPost, "/v1/vaults/pk-c?namespace=notes", testToken, "", http.StatusForbidden, syncerr.KindQuota},
		{"destroy", http.MethodDelete, vault, testToken, "", http.StatusNoContent, ""},
		{"destroyed", http.MethodGet, vault, testToken, "", http.StatusNotFound, syncerr.KindNotFound},
	}
	for _, tt := range tests {
		resp, env := doJSON(t, ts, tt.method, tt.path, tt.token, tt.body)
		assert.Equal(t, tt.status, resp.StatusCode, tt.name)
		if tt.kind != "" {
			assert.Equal(t, string(tt.kind), env.Kind, tt.name)
			assert.NotEmpty(t, env.RequestID, tt.name)
		}
	}
}

func TestREST_MutationRateLimited(t *testing.T) {
	gate := admission.NewGate(admission.NewMemory(nil),
		admission.WithTier(admission.DefaultTier, admission.Rule{Limit: 1, Window: time.Hour}))
	ts := newTestServer(t, gate)

	resp, _ := doJSON(t, ts, http.MethodPost, "/v1/vaults/pk-alice?namespace=notes", testToken, "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, env := doJSON(t, ts, http.MethodPatch, "/v1/vaults/pk-alice?namespace=notes", testToken, `{"note":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, string(syncerr.KindRateLimited), env.Kind)

	resp, _ = doJSON(t, ts, http.MethodGet, "/v1/vaults/pk-alice?namespace=notes", testToken, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
