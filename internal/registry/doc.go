// Package registry is the gateway's table of live client connections.
//
// It owns each connection's bookkeeping (identity, activity, counters) and its
// bounded outbound queue, but never the socket itself: the gateway's writer
// goroutine drains the queue and closes the socket once the registry closes
// the queue. Everything outside the registry sees Info copies only.
//
// Sweep evicts connections idle past a timeout, sending each a final
// ConnectionEvent(disconnected) and publishing an EventDisconnected on the
// Events broadcaster.
package registry
