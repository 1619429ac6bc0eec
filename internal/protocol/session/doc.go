// Package session owns link timing policy shared by the per-arm links,
// the coordinator and the send queue.
//
// Ownership boundary:
// - connection, bonding and reconnection timing
// - bonding retry backoff
// - the keyed timer table every state machine schedules through
package session
