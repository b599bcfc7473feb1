// Package security enforces connection admission policy for the gateway:
// origin allow-listing, an IP deny-list, per-identity sliding-window rate
// limits, and token authentication via package auth.
//
// Manager wraps the individual checks and returns *protocol.Error values so
// the pipeline can reply to the client without further translation.
package security
