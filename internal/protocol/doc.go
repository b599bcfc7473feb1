// Package protocol defines the JSON wire format spoken between clients and the gateway.
//
// # Envelope
//
// Every WebSocket text frame carries exactly one envelope:
//
//	{
//	  "type": "chat_message",
//	  "version": "2.0",
//	  "id": "5d0c...",
//	  "ts": 1718000000000,
//	  "payload": {"message_type": "chat_message", "content": "hi"},
//	  "session_id": "s1",
//	  "user_id": "u1",
//	  "correlation_id": "..."
//	}
//
// The payload is a closed union keyed by payload.message_type. The envelope
// type must agree with it.
//
// # Decoding
//
// Decode rejects input in a fixed order: malformed outer structure
// (KindMalformedEnvelope), unknown payload discriminator
// (KindUnknownPayloadType), then field-level problems (KindValidationFailed).
// Unknown protocol versions are accepted; callers can check Version.Known().
//
// Encode is the inverse of Decode: for every valid envelope e,
// Decode(Encode(e)) yields a value equal to e.
//
// Empty slices and maps survive the round trip as empty; absent ones decode
// as nil.
//
// # Streaming
//
// A streamed answer is sent as one agent_response_stream_start, then
// agent_response_stream_chunk frames numbered from 0, then one
// agent_response_stream_end carrying the chunk count and the full content.
// All of them are correlated to the chat message they answer.
//
// # Errors
//
// All codec and gateway rejections are reported as *Error, which carries an
// ErrorKind and converts into an ErrorEvent payload for the client.
package protocol
