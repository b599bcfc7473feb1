// Package gateway orchestrates the qai-gateway server components.
//
// # Overview
//
// The gateway accepts WebSocket clients, admits them through the security
// pipeline, registers them, and relays their chat messages to the agent
// backend. It owns the HTTP server, the optional tsnet listener and the
// background workers (idle sweeper, staging purger, rate-limit janitor).
//
// # HTTP Endpoints
//
//	GET /ws             WebSocket endpoint (server.path)
//	GET /health         liveness, always "OK"
//	GET /health/ready   503 at capacity, while shutting down, or when the agent backend fails its ping
//	GET /metrics        Prometheus metrics (metrics.path)
//
// # Connection Lifecycle
//
// Each connection moves through Connecting, Authenticating, Active, Closing
// and Closed. The upgrade always succeeds so that rejections can be reported
// as an ErrorEvent before the close frame:
//
//   - capacity reached: ServerAtCapacity, close 1013
//   - origin, IP, or token failure: the matching error, close 1008
//   - handshake rate limit: RateLimited, the connection stays in
//     Authenticating and waits for another {"token": "..."} frame
//
// Tokens are read from "Authorization: Bearer", then "?token=", then from a
// first frame of the form {"token": "..."} sent within handshake_timeout.
//
// Once active, the client receives a connection_established SystemEvent and
// a connected ConnectionEvent. Every inbound frame is decoded, checked
// against the connection's session and user, charged to the per-user rate
// limit, then dispatched:
//
//	chat_message              staged attachments, agent call, agent_response
//	system_event "ping"       health_check pong
//	system_event "status"     system_event server_status
//	health_check ping         health_check pong
//	agent_response, error_event, connection_event
//	                          UnsupportedMessage
//
// A chat message reusing the id of one answered within sessions.dedupe_window
// is refused with ValidationFailed instead of reaching the agent twice.
//
// Every rejected frame yields exactly one ErrorEvent; the connection stays
// open for recoverable kinds.
//
// # Concurrency
//
// A connection has two goroutines. The reader runs the handshake, decodes
// frames and dispatches them in arrival order. The writer drains the
// outbound queue owned by the registry and sends pings. When the registry
// closes the queue the writer flushes what is left, sends a close frame and
// closes the socket.
//
// # Shutdown
//
// Shutdown broadcasts a server_shutdown SystemEvent, closes every connection
// with reason server_shutdown, stops the HTTP server and closes the store
// and agent backend. Errors from each step are combined with multierr.
package gateway
