// Package wire defines the messages exchanged between a sync client and the
// server over one websocket connection.
//
// Every websocket message is one binary msgpack Frame: a type tag and a
// msgpack-encoded body. A client sends Push and Pull frames; the server
// answers with Hello (once, on connect), Ack, Entries and Error frames.
// Entries frames carry both catch-up pages and live broadcasts.
//
// A frame that fails to decode is a parse error. The receiver drops it and
// keeps the connection open.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/eventvault/internal/crypt"
	"github.com/roach88/eventvault/internal/syncerr"
)

// Type identifies the body of a Frame.
type Type string

const (
	TypeHello   Type = "hello"
	TypePush    Type = "push"
	TypeAck     Type = "ack"
	TypePull    Type = "pull"
	TypeEntries Type = "entries"
	TypeError   Type = "error"
)

// Frame is the unit sent over the socket.
type Frame struct {
	Type Type               `msgpack:"type"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// EncryptedEntry is one journal entry as stored and relayed by the server.
// Sequence is zero on push; the tenant assigns it.
type EncryptedEntry struct {
	Sequence       int64              `msgpack:"sequence"`
	IV             [crypt.IVSize]byte `msgpack:"iv"`
	EntryID        []byte             `msgpack:"entryId"`
	EncryptedEntry []byte             `msgpack:"encryptedEntry"`
	EncryptedDEK   []byte             `msgpack:"encryptedDek"`
}

// Size is the number of bytes the entry occupies in storage quotas.
func (e EncryptedEntry) Size() int64 {
	return int64(len(e.IV) + len(e.EntryID) + len(e.EncryptedEntry) + len(e.EncryptedDEK))
}

// Hello is sent by the server once a connection is admitted.
type Hello struct {
	RemoteID string `msgpack:"remoteId"`
	Head     int64  `msgpack:"head"`
}

// Push carries new entries from a client.
type Push struct {
	RequestID string           `msgpack:"requestId"`
	Entries   []EncryptedEntry `msgpack:"entries"`
}

// Ack confirms a Push. Stored counts entries that were new; duplicates are
// acknowledged without being stored again.
type Ack struct {
	RequestID string `msgpack:"requestId"`
	Stored    int    `msgpack:"stored"`
	Head      int64  `msgpack:"head"`
}

// Pull asks for entries with a sequence greater than Since.
type Pull struct {
	RequestID string `msgpack:"requestId"`
	Since     int64  `msgpack:"since"`
	Limit     int    `msgpack:"limit,omitempty"`
}

// Entries delivers stored entries in sequence order. RequestID is empty for
// live broadcasts. More is set when a catch-up page was truncated by the
// pull limit.
type Entries struct {
	RequestID string           `msgpack:"requestId,omitempty"`
	RemoteID  string           `msgpack:"remoteId"`
	Entries   []EncryptedEntry `msgpack:"entries"`
	More      bool             `msgpack:"more,omitempty"`
}

// Encode builds a frame around body.
func Encode(t Type, body any) ([]byte, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", t, err)
	}
	return msgpack.Marshal(Frame{Type: t, Body: raw})
}

// Decode parses a frame. The body stays encoded until DecodeBody.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, syncerr.Parse("malformed frame", err)
	}
	if f.Type == "" {
		return Frame{}, syncerr.Parse("frame has no type", nil)
	}
	return f, nil
}

// DecodeBody decodes the frame body into v.
func (f Frame) DecodeBody(v any) error {
	if err := msgpack.Unmarshal(f.Body, v); err != nil {
		return syncerr.Parse(fmt.Sprintf("malformed %s body", f.Type), err)
	}
	return nil
}
