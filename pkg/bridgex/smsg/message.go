// Package smsg parses and serializes SMSG messages, the text+JSON
// application messages carried inside gateway frames.
//
// A message is a start line of exactly four whitespace separated tokens,
// a newline, and an optional JSON body:
//
//	7 create widget SMSG/0.1\n{"color":"red"}    request
//	SMSG/0.1 7 200 OK\n                          response
//
// There is no type tag. A message is a response when its first token is
// the protocol/version literal "SMSG/0.1", otherwise it is a request, which
// carries the literal as its last token.
package smsg

import (
	"encoding/json"
	"strconv"

	"go.uber.org/zap/zapcore"
)

const (
	// Protocol and Version identify the message format.
	Protocol = "SMSG"
	Version  = "0.1"

	// ProtoVersion is the literal that marks a response start line.
	ProtoVersion = Protocol + "/" + Version

	startLineTokens = 4
)

// Message is either a *Request or a *Response.
type Message interface {
	// Encode serializes the message into a frame payload.
	Encode() ([]byte, error)
	// MessageID returns the id carried in the start line.
	MessageID() uint64

	zapcore.ObjectMarshaler

	isMessage()
}

// Request is a client or device originated command, an action verb applied
// to a kind noun.
type Request struct {
	Protocol string
	Version  string
	ID       uint64
	Action   string
	Kind     string
	// Body is any JSON value, nil when the message has no body. Decoded
	// numbers are json.Number.
	Body any
}

// Response answers a request with a numeric code and a reason text.
type Response struct {
	Protocol string
	Version  string
	ID       uint64
	Code     uint64
	Text     string
	Body     any
}

// NewRequest builds a request using the current protocol and version.
func NewRequest(id uint64, action, kind string, body any) *Request {
	return &Request{
		Protocol: Protocol,
		Version:  Version,
		ID:       id,
		Action:   action,
		Kind:     kind,
		Body:     body,
	}
}

// NewResponse builds a response using the current protocol and version.
func NewResponse(id, code uint64, text string, body any) *Response {
	return &Response{
		Protocol: Protocol,
		Version:  Version,
		ID:       id,
		Code:     code,
		Text:     text,
		Body:     body,
	}
}

// Reply builds the response to r, echoing its protocol, version and id.
func (r *Request) Reply(code uint64, text string, body any) *Response {
	return &Response{
		Protocol: r.Protocol,
		Version:  r.Version,
		ID:       r.ID,
		Code:     code,
		Text:     text,
		Body:     body,
	}
}

// Encode writes the start line "<id> <action> <kind> <protocol>/<version>"
// followed by the JSON body, if any.
func (r *Request) Encode() ([]byte, error) {
	line := make([]byte, 0, 64)
	line = strconv.AppendUint(line, r.ID, 10)
	line = append(line, ' ')
	line = append(line, r.Action...)
	line = append(line, ' ')
	line = append(line, r.Kind...)
	line = append(line, ' ')
	line = appendProtoVersion(line, r.Protocol, r.Version)
	return appendBody(line, r.Body)
}

// Encode writes the start line "<protocol>/<version> <id> <code> <text>"
// followed by the JSON body, if any.
func (r *Response) Encode() ([]byte, error) {
	line := make([]byte, 0, 64)
	line = appendProtoVersion(line, r.Protocol, r.Version)
	line = append(line, ' ')
	line = strconv.AppendUint(line, r.ID, 10)
	line = append(line, ' ')
	line = strconv.AppendUint(line, r.Code, 10)
	line = append(line, ' ')
	line = append(line, r.Text...)
	return appendBody(line, r.Body)
}

func (r *Request) MessageID() uint64  { return r.ID }
func (r *Response) MessageID() uint64 { return r.ID }

func (*Request) isMessage()  {}
func (*Response) isMessage() {}

// MarshalLogObject renders the request as structured log fields.
func (r *Request) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("proto", r.Protocol)
	enc.AddString("ver", r.Version)
	enc.AddUint64("id", r.ID)
	enc.AddString("action", r.Action)
	enc.AddString("kind", r.Kind)
	return addBody(enc, r.Body)
}

// MarshalLogObject renders the response as structured log fields.
func (r *Response) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("proto", r.Protocol)
	enc.AddString("ver", r.Version)
	enc.AddUint64("id", r.ID)
	enc.AddUint64("code", r.Code)
	enc.AddString("text", r.Text)
	return addBody(enc, r.Body)
}

func appendProtoVersion(b []byte, protocol, version string) []byte {
	b = append(b, protocol...)
	b = append(b, '/')
	return append(b, version...)
}

func appendBody(line []byte, body any) ([]byte, error) {
	line = append(line, '\n')
	if body == nil {
		return line, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return append(line, data...), nil
}

func addBody(enc zapcore.ObjectEncoder, body any) error {
	if body == nil {
		return nil
	}
	return enc.AddReflected("body", body)
}
