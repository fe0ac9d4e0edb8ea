package smsg

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDecodeResponse(t *testing.T) {
	msg, err := Decode([]byte("SMSG/0.1 7 200 OK\n"))
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok, "expected *Response, got %T", msg)
	assert.Equal(t, "SMSG", resp.Protocol)
	assert.Equal(t, "0.1", resp.Version)
	assert.Equal(t, uint64(7), resp.ID)
	assert.Equal(t, uint64(200), resp.Code)
	assert.Equal(t, "OK", resp.Text)
	assert.Nil(t, resp.Body)
}

func TestDecodeRequest(t *testing.T) {
	msg, err := Decode([]byte("7 create widget SMSG/0.1\n"))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok, "expected *Request, got %T", msg)
	assert.Equal(t, uint64(7), req.ID)
	assert.Equal(t, "create", req.Action)
	assert.Equal(t, "widget", req.Kind)
	assert.Equal(t, "SMSG", req.Protocol)
	assert.Equal(t, "0.1", req.Version)
	assert.Nil(t, req.Body)
}

func TestDecodeRequestWithBody(t *testing.T) {
	msg, err := Decode([]byte("12 set led SMSG/0.1\n{\"on\":true,\"level\":3,\"tags\":[\"a\",\"b\"]}"))
	require.NoError(t, err)

	req := msg.(*Request)
	assert.Equal(t, map[string]any{
		"on":    true,
		"level": json.Number("3"),
		"tags":  []any{"a", "b"},
	}, req.Body)
}

func TestDecodeOtherProtocolIsRequest(t *testing.T) {
	// Only the exact literal in first position makes a response.
	msg, err := Decode([]byte("SMSG/0.2 7 200 OK\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.Nil(t, msg)

	msg, err = Decode([]byte("3 get status OTHER/2.0\n"))
	require.NoError(t, err)
	req := msg.(*Request)
	assert.Equal(t, "OTHER", req.Protocol)
	assert.Equal(t, "2.0", req.Version)
}

func TestDecodeProtoWithoutSlash(t *testing.T) {
	msg, err := Decode([]byte("3 get status SMSG\n"))
	require.NoError(t, err)
	req := msg.(*Request)
	assert.Equal(t, "SMSG", req.Protocol)
	assert.Equal(t, "", req.Version)
}

func TestDecodeExtraWhitespace(t *testing.T) {
	msg, err := Decode([]byte("  9\tread \t sensor   SMSG/0.1 \r\n"))
	require.NoError(t, err)
	req := msg.(*Request)
	assert.Equal(t, uint64(9), req.ID)
	assert.Equal(t, "read", req.Action)
	assert.Equal(t, "sensor", req.Kind)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"no newline", "7 create widget SMSG/0.1", ErrNoStartLine},
		{"empty payload", "", ErrNoStartLine},
		{"three tokens", "7 create SMSG/0.1\n", ErrMalformedStartLine},
		{"five tokens", "7 create widget now SMSG/0.1\n", ErrMalformedStartLine},
		{"empty start line", "\n", ErrMalformedStartLine},
		{"request id not numeric", "x create widget SMSG/0.1\n", ErrInvalidID},
		{"request id negative", "-1 create widget SMSG/0.1\n", ErrInvalidID},
		{"response id not numeric", "SMSG/0.1 x 200 OK\n", ErrInvalidID},
		{"response code not numeric", "SMSG/0.1 7 abc OK\n", ErrInvalidCode},
		{"response code negative", "SMSG/0.1 7 -200 OK\n", ErrInvalidCode},
		{"bad json", "7 create widget SMSG/0.1\n{\"a\":", ErrInvalidBody},
		{"two json values", "7 create widget SMSG/0.1\n{} {}", ErrInvalidBody},
		{"invalid utf8", "7 cr\xffate widget SMSG/0.1\n", ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.payload))
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMalformedStartLineNamesCounts(t *testing.T) {
	_, err := Decode([]byte("a b c\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 4 tokens, got 3")

	_, err = Decode([]byte("a b c d e\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 4 tokens, got 5")
}

func TestLargeIntegersKeepTheirDigits(t *testing.T) {
	payload := "1 set counter SMSG/0.1\n{\"m\":9007199254740993,\"n\":12345678901234567890}"

	msg, err := Decode([]byte(payload))
	require.NoError(t, err)

	encoded, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, payload, string(encoded))
}

func TestBodyTrailingDataRejected(t *testing.T) {
	for _, body := range []string{`{"a":1} {"b":2}`, `1 2`, `{"a":1}}`, `[1]]`} {
		_, err := Decode([]byte("1 get x SMSG/0.1\n" + body))
		assert.ErrorIs(t, err, ErrInvalidBody, "body %q", body)
	}
}

func TestNullBodyIsAbsent(t *testing.T) {
	msg, err := Decode([]byte("1 get x SMSG/0.1\nnull"))
	require.NoError(t, err)
	assert.Nil(t, msg.(*Request).Body)
}

func TestBlankBodyIsAbsent(t *testing.T) {
	msg, err := Decode([]byte("SMSG/0.1 1 204 NoContent\n  \n"))
	require.NoError(t, err)
	assert.Nil(t, msg.(*Response).Body)
}

func TestEncodeFormat(t *testing.T) {
	resp := NewResponse(7, 200, "OK", nil)
	b, err := resp.Encode()
	require.NoError(t, err)
	assert.Equal(t, "SMSG/0.1 7 200 OK\n", string(b))

	req := NewRequest(7, "create", "widget", map[string]any{"n": 1})
	b, err = req.Encode()
	require.NoError(t, err)
	assert.Equal(t, "7 create widget SMSG/0.1\n{\"n\":1}", string(b))
}

func TestEncodeUnmarshalableBody(t *testing.T) {
	_, err := NewRequest(1, "a", "b", make(chan int)).Encode()
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	messages := []Message{
		NewRequest(0, "create", "widget", nil),
		NewRequest(42, "update", "led", map[string]any{"on": true, "rgb": []any{json.Number("1"), json.Number("2"), json.Number("3")}}),
		NewRequest(18446744073709551615, "ping", "device", "hello"),
		&Request{Protocol: "OTHER", Version: "2", ID: 5, Action: "get", Kind: "x", Body: json.Number("12.5")},
		NewRequest(43, "set", "counter", map[string]any{
			"n": json.Number("12345678901234567890"),
			"m": json.Number("9007199254740993"),
			"e": json.Number("-1.5e300"),
		}),
		NewResponse(7, 200, "OK", nil),
		NewResponse(8, 404, "NotFound", map[string]any{"reason": "no such widget"}),
		NewResponse(9, 0, "x", []any{nil, false}),
	}

	for _, m := range messages {
		encoded, err := m.Encode()
		require.NoError(t, err)

		decoded, err := Decode(encoded)
		require.NoError(t, err, "payload %q", encoded)
		assert.Equal(t, m, decoded)
	}
}

func TestReply(t *testing.T) {
	req := &Request{Protocol: "SMSG", Version: "0.1", ID: 31, Action: "create", Kind: "widget"}
	resp := req.Reply(200, "OK", nil)

	assert.Equal(t, &Response{Protocol: "SMSG", Version: "0.1", ID: 31, Code: 200, Text: "OK"}, resp)
	assert.Equal(t, uint64(31), resp.MessageID())
}

func TestMarshalLogObject(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	logger.Info("request", zap.Object("msg", NewRequest(3, "get", "status", map[string]any{"k": "v"})))
	logger.Info("response", zap.Object("msg", NewResponse(3, 200, "OK", nil)))

	entries := logs.All()
	require.Len(t, entries, 2)

	req := entries[0].ContextMap()["msg"].(map[string]any)
	assert.Equal(t, "get", req["action"])
	assert.Equal(t, uint64(3), req["id"])
	assert.Contains(t, req, "body")

	resp := entries[1].ContextMap()["msg"].(map[string]any)
	assert.Equal(t, uint64(200), resp["code"])
	assert.NotContains(t, resp, "body")
	assert.True(t, strings.HasPrefix(resp["proto"].(string), "SMSG"))
}
