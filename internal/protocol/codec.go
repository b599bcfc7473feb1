// ABOUTME: JSON codec translating raw frames to envelopes and back
// ABOUTME: Enforces the malformed, unknown-type, validation rejection order

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Decode parses a raw frame into a validated Envelope.
func Decode(raw []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, &Error{Kind: KindMalformedEnvelope, Message: "envelope is not a JSON object", Err: err}
	}

	env := &Envelope{}
	var err error
	var typ, version string
	if typ, err = requiredString(fields, "type"); err != nil {
		return nil, err
	}
	if version, err = requiredString(fields, "version"); err != nil {
		return nil, err
	}
	if env.ID, err = requiredString(fields, "id"); err != nil {
		return nil, err
	}
	if env.ID == "" {
		return nil, Malformed("id", "must not be empty")
	}
	tsRaw, ok := fields["ts"]
	if !ok {
		return nil, Malformed("ts", "is required")
	}
	if err := json.Unmarshal(tsRaw, &env.Timestamp); err != nil {
		return nil, Malformed("ts", "must be an integer millisecond timestamp")
	}
	payloadRaw, ok := fields["payload"]
	if !ok {
		return nil, Malformed("payload", "is required")
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payloadRaw, &body); err != nil || body == nil {
		return nil, Malformed("payload", "must be a JSON object")
	}
	for name, dst := range map[string]*string{
		"session_id":     &env.SessionID,
		"user_id":        &env.UserID,
		"correlation_id": &env.CorrelationID,
	} {
		if v, ok := fields[name]; ok && !isNull(v) {
			if err := json.Unmarshal(v, dst); err != nil {
				return nil, Malformed(name, "must be a string")
			}
		}
	}
	env.Type = MessageType(typ)
	env.Version = ProtocolVersion(version)

	payload, err := decodePayload(body)
	if err != nil {
		return nil, err
	}
	env.Payload = payload

	if env.Type != payload.MessageType() {
		return nil, Validation("type", fmt.Sprintf("must match payload.message_type %q", payload.MessageType()))
	}
	if env.Timestamp <= 0 {
		return nil, Validation("ts", "must be positive")
	}
	return env, nil
}

// Peek extracts the id and version of a frame Decode rejected, so the error
// reply can still be correlated. It returns nil when no id can be read.
func Peek(raw []byte) *Envelope {
	var head struct {
		ID      any `json:"id"`
		Version any `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil
	}
	id, _ := head.ID.(string)
	if id == "" {
		return nil
	}
	version, _ := head.Version.(string)
	return &Envelope{ID: id, Version: ProtocolVersion(version)}
}

// Encode serializes env after validating it.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil || env.Payload == nil {
		return nil, Malformed("payload", "is required")
	}
	if env.Type != env.Payload.MessageType() {
		return nil, Validation("type", fmt.Sprintf("must match payload.message_type %q", env.Payload.MessageType()))
	}
	if env.ID == "" {
		return nil, Malformed("id", "must not be empty")
	}
	if env.Timestamp <= 0 {
		return nil, Validation("ts", "must be positive")
	}
	if err := env.Payload.Validate(); err != nil {
		return nil, err
	}
	payload, err := marshalPayload(env.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Type:          env.Type,
		Version:       env.Version,
		ID:            env.ID,
		Timestamp:     env.Timestamp,
		Payload:       payload,
		SessionID:     env.SessionID,
		UserID:        env.UserID,
		CorrelationID: env.CorrelationID,
	})
}

type wireEnvelope struct {
	Type          MessageType     `json:"type"`
	Version       ProtocolVersion `json:"version"`
	ID            string          `json:"id"`
	Timestamp     int64           `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
	SessionID     string          `json:"session_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func requiredString(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return "", Malformed(name, "is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", Malformed(name, "must be a string")
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func decodePayload(body map[string]json.RawMessage) (Payload, error) {
	tagRaw, ok := body["message_type"]
	if !ok || isNull(tagRaw) {
		return nil, UnknownPayload("")
	}
	var tag string
	if err := json.Unmarshal(tagRaw, &tag); err != nil {
		return nil, UnknownPayload(string(tagRaw))
	}
	p := newPayload(MessageType(tag))
	if p == nil {
		return nil, UnknownPayload(tag)
	}

	delete(body, "message_type")
	rest, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformedEnvelope, Message: "payload could not be re-read", Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(rest))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fieldError(err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// fieldError converts a strict decoding failure into a ValidationFailed error.
func fieldError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &Error{
			Kind:       KindValidationFailed,
			Field:      "payload." + typeErr.Field,
			Constraint: "must be of type " + typeErr.Type.String(),
			Err:        err,
		}
	}
	if name, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return &Error{
			Kind:       KindValidationFailed,
			Field:      "payload." + strings.Trim(name, `"`),
			Constraint: "is not a recognized field",
			Err:        err,
		}
	}
	return &Error{Kind: KindValidationFailed, Field: "payload", Constraint: err.Error(), Err: err}
}

// marshalPayload serializes p with its message_type discriminator first.
func marshalPayload(p Payload) (json.RawMessage, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.MessageType(), err)
	}
	tag, err := json.Marshal(p.MessageType())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"message_type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}
