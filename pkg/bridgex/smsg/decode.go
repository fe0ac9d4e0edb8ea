package smsg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Decode errors. Each is wrapped with detail where there is any.
var (
	// ErrNoStartLine means the payload has no newline.
	ErrNoStartLine = errors.New("smsg: no start line")
	// ErrMalformedStartLine means the start line does not have 4 tokens.
	ErrMalformedStartLine = errors.New("smsg: malformed start line")
	ErrInvalidUTF8        = errors.New("smsg: start line is not valid UTF-8")
	// ErrInvalidBody means the text after the start line is not exactly one
	// JSON value.
	ErrInvalidBody = errors.New("smsg: invalid JSON body")
	ErrInvalidID   = errors.New("smsg: invalid id")
	ErrInvalidCode = errors.New("smsg: invalid code")
)

// Token positions within a response start line.
const (
	respProto = iota
	respID
	respCode
	respText
)

// Token positions within a request start line.
const (
	reqID = iota
	reqAction
	reqKind
	reqProto
)

// Decode parses a frame payload into a *Request or a *Response.
//
// The payload is split on its first newline. The start line must be UTF-8;
// whatever follows it, if not blank, must be exactly one JSON value.
func Decode(payload []byte) (Message, error) {
	line, rest, found := bytes.Cut(payload, []byte{'\n'})
	if !found {
		return nil, ErrNoStartLine
	}
	if !utf8.Valid(line) {
		return nil, ErrInvalidUTF8
	}

	body, err := DecodeBody(rest)
	if err != nil {
		return nil, err
	}

	tokens := strings.FieldsFunc(string(line), isASCIISpace)
	if len(tokens) != startLineTokens {
		return nil, fmt.Errorf("%w: expected %d tokens, got %d", ErrMalformedStartLine, startLineTokens, len(tokens))
	}

	if classify(tokens) == kindResponse {
		return buildResponse(tokens, body)
	}
	return buildRequest(tokens, body)
}

type messageKind int

const (
	kindRequest messageKind = iota
	kindResponse
)

// classify is the single place that tells requests from responses.
func classify(tokens []string) messageKind {
	if tokens[respProto] == ProtoVersion {
		return kindResponse
	}
	return kindRequest
}

// DecodeBody parses a message body. Blank input and JSON null yield nil.
// Numbers are kept as json.Number so that large integers survive a round
// trip unchanged.
func DecodeBody(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidBody)
	}
	return body, nil
}

func buildRequest(tokens []string, body any) (*Request, error) {
	id, err := strconv.ParseUint(tokens[reqID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, tokens[reqID])
	}

	protocol, version := splitProtoVersion(tokens[reqProto])
	return &Request{
		Protocol: protocol,
		Version:  version,
		ID:       id,
		Action:   tokens[reqAction],
		Kind:     tokens[reqKind],
		Body:     body,
	}, nil
}

func buildResponse(tokens []string, body any) (*Response, error) {
	id, err := strconv.ParseUint(tokens[respID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, tokens[respID])
	}
	code, err := strconv.ParseUint(tokens[respCode], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCode, tokens[respCode])
	}

	protocol, version := splitProtoVersion(tokens[respProto])
	return &Response{
		Protocol: protocol,
		Version:  version,
		ID:       id,
		Code:     code,
		Text:     tokens[respText],
		Body:     body,
	}, nil
}

func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\f', '\r':
		return true
	}
	return false
}

// splitProtoVersion splits "NAME/VER" on the first slash. A token without a
// slash is all protocol and no version.
func splitProtoVersion(token string) (string, string) {
	protocol, version, _ := strings.Cut(token, "/")
	return protocol, version
}
