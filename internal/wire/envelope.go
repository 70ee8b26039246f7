package wire

import (
	"errors"

	"github.com/roach88/eventvault/internal/syncerr"
)

// EnvelopeVersion is the current ErrorEnvelope layout.
const EnvelopeVersion = 1

// ErrorEnvelope is the only error payload a server sends to a client, both
// in Error frames and in HTTP error responses. Clients match on Kind and
// Code, never on Message.
type ErrorEnvelope struct {
	Version   int    `msgpack:"version" json:"version"`
	Kind      string `msgpack:"kind" json:"kind"`
	Code      int    `msgpack:"code" json:"code"`
	Message   string `msgpack:"message" json:"message"`
	Retry     bool   `msgpack:"retry" json:"retry"`
	RequestID string `msgpack:"requestId,omitempty" json:"requestId,omitempty"`
}

// NewErrorEnvelope describes err for a peer. Causes wrapped inside a
// *syncerr.Error are not exposed; foreign errors are reported as unknown.
func NewErrorEnvelope(err error, requestID string) ErrorEnvelope {
	code := syncerr.CloseCodeOf(err)
	msg := code.String()
	var se *syncerr.Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	return ErrorEnvelope{
		Version:   EnvelopeVersion,
		Kind:      string(syncerr.KindOf(err)),
		Code:      int(code),
		Message:   msg,
		Retry:     code.Retryable(),
		RequestID: requestID,
	}
}

// Err rebuilds the error the envelope describes.
func (e ErrorEnvelope) Err() *syncerr.Error {
	return &syncerr.Error{
		Kind:    syncerr.Kind(e.Kind),
		Close:   syncerr.CloseCode(e.Code),
		Message: e.Message,
	}
}
