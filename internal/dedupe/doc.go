// Package dedupe remembers recently seen message ids for a bounded time so
// that a client retrying a chat message does not trigger a second agent call.
package dedupe
