// Package pipeline decides whether a WebSocket handshake may proceed.
//
// Stages run in a fixed order and the first rejection wins:
//
//  1. origin     Origin header against the allow-list
//  2. ip_block   remote address against the deny-list
//  3. rate_limit sliding window keyed by remote address
//  4. auth       token validation, which sets Handshake.Identity
//  5. logging    an Observer that sees every outcome, pass or fail
//
// A rejection is a *protocol.Error. DispositionOf tells the caller whether to
// close the connection (origin, IP, auth) or keep it open and let the client
// retry (rate limit).
//
// After the handshake, CheckMessage re-runs only the rate-limit stage for each
// inbound frame, now keyed by the authenticated user.
package pipeline
