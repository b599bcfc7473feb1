// ABOUTME: Tests for envelope decoding, encoding and validation errors

package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func sampleEnvelopes() []*Envelope {
	payloads := []Payload{
		&ChatMessage{
			Content:     "hola",
			Attachments: []Attachment{{Filename: "a.txt", MimeType: "text/plain", Size: 3, Data: "YWJj"}},
			Metadata:    map[string]any{"source": "web", "n": 2.0, "nested": map[string]any{"ok": true}},
			Language:    "es",
		},
		&AgentResponse{
			Content:       "hi there",
			ResponseType:  ResponseMarkdown,
			ToolsUsed:     []string{"search"},
			ExecutionTime: ptr(0.25),
			Confidence:    ptr(0),
		},
		&StreamStart{ResponseType: ResponseText, Metadata: map[string]any{"model": "qa"}},
		&StreamChunk{Chunk: "hi ", ChunkIndex: 0},
		&StreamEnd{TotalChunks: 2, FullContent: "hi there", ToolsUsed: []string{"search"}, Confidence: ptr(0.8)},
		&SystemEvent{EventName: "connection_established", Severity: SeverityInfo, Data: map[string]any{"k": "v"}},
		&ErrorEvent{ErrorCode: "RateLimited", ErrorMessage: "slow down", RetryCount: 1, RetryAfter: ptr(1.5)},
		&ConnectionEvent{EventType: ConnectionDisconnected, SessionData: map[string]any{"reason": "idle"}},
		&HealthCheck{Status: HealthPong, Timestamp: 1718000000.5, Metrics: map[string]any{"active": 3.0}},
	}
	out := make([]*Envelope, 0, len(payloads))
	for _, p := range payloads {
		env := New(p)
		env.SessionID = "s1"
		env.UserID = "u1"
		env.CorrelationID = "c1"
		out = append(out, env)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	for _, env := range sampleEnvelopes() {
		t.Run(string(env.Type), func(t *testing.T) {
			raw, err := Encode(env)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, env, got)
		})
	}
}

func TestRoundTripMinimalEnvelope(t *testing.T) {
	env := New(&ChatMessage{Content: "x"})
	raw, err := Encode(env)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "session_id")

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestRoundTripEmptyCollections(t *testing.T) {
	payloads := []Payload{
		&ChatMessage{Content: "x", Attachments: []Attachment{}, Metadata: map[string]any{}},
		&AgentResponse{Content: "ok", ResponseType: ResponseText, ToolsUsed: []string{}, Confidence: ptr(0.95), ExecutionTime: ptr(0.2)},
		&StreamEnd{FullContent: "", ToolsUsed: []string{}, Metadata: map[string]any{}},
		&SystemEvent{EventName: "status", Severity: SeverityInfo, Data: map[string]any{}},
		&ConnectionEvent{EventType: ConnectionConnected, ClientInfo: map[string]any{}, SessionData: map[string]any{}},
		&HealthCheck{Status: HealthPing, Metrics: map[string]any{}},
	}
	for _, p := range payloads {
		t.Run(string(p.MessageType()), func(t *testing.T) {
			env := New(p)
			raw, err := Encode(env)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, env, got)
		})
	}

	// Absent collections stay absent on the wire and nil after decoding.
	raw, err := Encode(New(&AgentResponse{Content: "ok"}))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "tools_used")
	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Nil(t, got.Payload.(*AgentResponse).ToolsUsed)
}

func TestDecodeRejectsDiscriminatorMismatch(t *testing.T) {
	types := []MessageType{
		TypeChatMessage, TypeAgentResponse, TypeStreamStart, TypeStreamChunk, TypeStreamEnd,
		TypeSystemEvent, TypeErrorEvent, TypeConnectionEvent, TypeHealthCheck,
	}
	for _, env := range sampleEnvelopes() {
		raw, err := Encode(env)
		require.NoError(t, err)
		for _, other := range types {
			if other == env.Type {
				continue
			}
			tampered := strings.Replace(string(raw), `"type":"`+string(env.Type)+`"`, `"type":"`+string(other)+`"`, 1)

			_, err := Decode([]byte(tampered))
			require.Error(t, err, "%s payload under %s type", env.Type, other)
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, KindValidationFailed, pe.Kind)
			assert.Equal(t, "type", pe.Field)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"not json", `hello`, ""},
		{"array", `[1,2]`, ""},
		{"null", `null`, ""},
		{"missing type", `{"version":"2.0","id":"a","ts":1,"payload":{"message_type":"chat_message","content":"x"}}`, "type"},
		{"missing id", `{"type":"chat_message","version":"2.0","ts":1,"payload":{"message_type":"chat_message","content":"x"}}`, "id"},
		{"empty id", `{"type":"chat_message","version":"2.0","id":"","ts":1,"payload":{"message_type":"chat_message","content":"x"}}`, "id"},
		{"string ts", `{"type":"chat_message","version":"2.0","id":"a","ts":"now","payload":{"message_type":"chat_message","content":"x"}}`, "ts"},
		{"payload not object", `{"type":"chat_message","version":"2.0","id":"a","ts":1,"payload":"hi"}`, "payload"},
		{"numeric version", `{"type":"chat_message","version":2,"id":"a","ts":1,"payload":{"message_type":"chat_message","content":"x"}}`, "version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, KindMalformedEnvelope, pe.Kind)
			assert.Equal(t, tt.field, pe.Field)
		})
	}
}

func TestDecodeUnknownPayloadType(t *testing.T) {
	raw := `{"type":"bogus","version":"2.0","id":"a","ts":1,"payload":{"message_type":"bogus"}}`
	_, err := Decode([]byte(raw))

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindUnknownPayloadType, pe.Kind)
	assert.Equal(t, "bogus", pe.Value)
	assert.Contains(t, pe.Error(), "bogus")
}

func TestDecodeMissingDiscriminator(t *testing.T) {
	raw := `{"type":"chat_message","version":"2.0","id":"a","ts":1,"payload":{"content":"x"}}`
	_, err := Decode([]byte(raw))
	assert.Equal(t, KindUnknownPayloadType, KindOf(err))
}

func TestDecodeMalformedBeatsUnknownType(t *testing.T) {
	// id is missing and the payload type is unknown; structure is checked first
	raw := `{"type":"bogus","version":"2.0","ts":1,"payload":{"message_type":"bogus"}}`
	_, err := Decode([]byte(raw))
	assert.Equal(t, KindMalformedEnvelope, KindOf(err))
}

func TestDecodeValidationFailures(t *testing.T) {
	long := strings.Repeat("a", MaxChatContentLength+1)
	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{"empty content", `{"message_type":"chat_message","content":""}`, "payload.content"},
		{"content too long", `{"message_type":"chat_message","content":"` + long + `"}`, "payload.content"},
		{"content wrong type", `{"message_type":"chat_message","content":42}`, "payload.content"},
		{"extra field", `{"message_type":"chat_message","content":"x","mood":"happy"}`, "payload.mood"},
		{"attachment without name", `{"message_type":"chat_message","content":"x","attachments":[{"size":1}]}`, "payload.attachments[0].filename"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"type":"chat_message","version":"2.0","id":"a","ts":1,"payload":` + tt.payload + `}`
			_, err := Decode([]byte(raw))
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, KindValidationFailed, pe.Kind)
			assert.Equal(t, tt.field, pe.Field)
		})
	}
}

func TestDecodeConfidenceOutOfRange(t *testing.T) {
	raw := `{"type":"agent_response","version":"2.0","id":"a","ts":1,` +
		`"payload":{"message_type":"agent_response","content":"x","confidence":1.5}}`
	_, err := Decode([]byte(raw))
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "payload.confidence", pe.Field)
}

func TestDecodeNonPositiveTimestamp(t *testing.T) {
	raw := `{"type":"chat_message","version":"2.0","id":"a","ts":0,"payload":{"message_type":"chat_message","content":"x"}}`
	_, err := Decode([]byte(raw))
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindValidationFailed, pe.Kind)
	assert.Equal(t, "ts", pe.Field)
}

func TestDecodeAppliesDefaults(t *testing.T) {
	raw := `{"type":"system_event","version":"1.0","id":"a","ts":5,"payload":{"message_type":"system_event","event_name":"ping"}}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)

	ev, ok := env.Payload.(*SystemEvent)
	require.True(t, ok)
	assert.Equal(t, SeverityInfo, ev.Severity)
	assert.Equal(t, Version10, env.Version)
}

func TestDecodeAcceptsUnknownVersion(t *testing.T) {
	raw := `{"type":"chat_message","version":"9.9","id":"abc","ts":1,"payload":{"message_type":"chat_message","content":"hi"}}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.False(t, env.Version.Known())
	assert.Equal(t, "abc", env.ID)
}

func TestEncodeRejectsInvalidEnvelope(t *testing.T) {
	env := New(&ChatMessage{Content: "x"})
	env.Type = TypeHealthCheck
	_, err := Encode(env)
	assert.Equal(t, KindValidationFailed, KindOf(err))

	env = New(&AgentResponse{Content: ""})
	_, err = Encode(env)
	assert.Equal(t, KindValidationFailed, KindOf(err))
}

func TestEncodeWritesDiscriminatorFirst(t *testing.T) {
	raw, err := Encode(New(&HealthCheck{Status: HealthPing}))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"payload":{"message_type":"health_check","status":"ping"`)
}

func TestDecodeStreamChunkValidation(t *testing.T) {
	raw := `{"type":"agent_response_stream_chunk","version":"2.0","id":"a","ts":1,` +
		`"payload":{"message_type":"agent_response_stream_chunk","chunk":"x","chunk_index":-1}}`
	_, err := Decode([]byte(raw))
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "payload.chunk_index", pe.Field)

	raw = `{"type":"agent_response_stream_start","version":"2.0","id":"a","ts":1,` +
		`"payload":{"message_type":"agent_response_stream_start"}}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, ResponseText, env.Payload.(*StreamStart).ResponseType)
}

func TestPeek(t *testing.T) {
	head := Peek([]byte(`{"type":"chat_message","version":"1.1","id":"abc","ts":1,"payload":{"message_type":"chat_message","content":""}}`))
	require.NotNil(t, head)
	assert.Equal(t, "abc", head.ID)
	assert.Equal(t, Version11, head.Version)

	assert.Nil(t, Peek([]byte(`not json`)))
	assert.Nil(t, Peek([]byte(`{"id":42}`)))
	assert.Nil(t, Peek([]byte(`{"type":"chat_message"}`)))
}
