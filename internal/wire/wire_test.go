package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/eventvault/internal/syncerr"
)

func sampleEntry(seq int64) EncryptedEntry {
	e := EncryptedEntry{
		Sequence:       seq,
		EntryID:        []byte{0x01, 0x8f, 0x00, byte(seq)},
		EncryptedEntry: []byte("ciphertext"),
		EncryptedDEK:   []byte("wrapped"),
	}
	for i := range e.IV {
		e.IV[i] = byte(i)
	}
	return e
}

func TestFrame_RoundTrip(t *testing.T) {
	push := Push{RequestID: "p1", Entries: []EncryptedEntry{sampleEntry(0), sampleEntry(0)}}
	data, err := Encode(TypePush, push)
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypePush, f.Type)

	var got Push
	require.NoError(t, f.DecodeBody(&got))
	assert.Equal(t, push, got)
}

func TestFrame_EntriesKeepSequenceOrder(t *testing.T) {
	in := Entries{RemoteID: "r", Entries: []EncryptedEntry{sampleEntry(1), sampleEntry(2), sampleEntry(3)}, More: true}
	data, err := Encode(TypeEntries, in)
	require.NoError(t, err)
	f, err := Decode(data)
	require.NoError(t, err)

	var out Entries
	require.NoError(t, f.DecodeBody(&out))
	require.Len(t, out.Entries, 3)
	for i, e := range out.Entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.True(t, out.More)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte{0xc1})
	assert.True(t, syncerr.IsParse(err))

	empty, err := msgpack.Marshal(Frame{})
	require.NoError(t, err)
	_, err = Decode(empty)
	assert.True(t, syncerr.IsParse(err))

	data, err := Encode(TypePull, "not a pull")
	require.NoError(t, err)
	f, err := Decode(data)
	require.NoError(t, err)
	var p Pull
	assert.True(t, syncerr.IsParse(f.DecodeBody(&p)))
}

func TestEncryptedEntry_Size(t *testing.T) {
	assert.Equal(t, int64(12+4+10+7), sampleEntry(1).Size())
}

func TestErrorEnvelope_Golden(t *testing.T) {
	envs := []ErrorEnvelope{
		NewErrorEnvelope(syncerr.Quota(syncerr.CloseMaxDevicesReached, "device limit of 3 reached"), ""),
		NewErrorEnvelope(syncerr.MissingFields("publicKey"), ""),
		NewErrorEnvelope(syncerr.RateLimited("tok"), ""),
		NewErrorEnvelope(fmt.Errorf("push: %w", syncerr.Storage("append entries", errors.New("disk I/O error"))), ""),
		NewErrorEnvelope(errors.New("boom"), ""),
		NewErrorEnvelope(syncerr.Unauthorized("bad token"), "r1"),
	}
	out, err := json.MarshalIndent(envs, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "error_envelopes", append(out, '\n'))
}

func TestErrorEnvelope_MsgpackRoundTrip(t *testing.T) {
	env := NewErrorEnvelope(syncerr.Quota(syncerr.CloseStorageQuotaExceeded, "storage full"), "p9")
	data, err := Encode(TypeError, env)
	require.NoError(t, err)
	f, err := Decode(data)
	require.NoError(t, err)

	var got ErrorEnvelope
	require.NoError(t, f.DecodeBody(&got))
	assert.Equal(t, env, got)

	rebuilt := got.Err()
	assert.True(t, syncerr.IsQuota(rebuilt))
	assert.Equal(t, syncerr.CloseStorageQuotaExceeded, syncerr.CloseCodeOf(rebuilt))
}

func TestConn_FramesAndClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(ws)
		f, err := c.Read()
		if err != nil {
			return
		}
		var p Push
		if err := f.DecodeBody(&p); err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte("noise"))
		_ = c.Write(TypeAck, Ack{RequestID: p.RequestID, Stored: len(p.Entries), Head: 2})
		_ = c.Close(syncerr.CloseMaxDevicesReached, "limit")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	c := NewConn(ws)
	defer c.Close(syncerr.CloseNormal, "")

	require.NoError(t, c.Write(TypePush, Push{RequestID: "p1", Entries: []EncryptedEntry{sampleEntry(0), sampleEntry(0)}}))

	_, err = c.Read()
	assert.True(t, syncerr.IsParse(err), "text frames are dropped as parse errors")

	f, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, TypeAck, f.Type)
	var ack Ack
	require.NoError(t, f.DecodeBody(&ack))
	assert.Equal(t, Ack{RequestID: "p1", Stored: 2, Head: 2}, ack)

	_, err = c.Read()
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, syncerr.CloseMaxDevicesReached, ce.Code)
	assert.Equal(t, "limit", ce.Reason)
}
