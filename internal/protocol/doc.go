// Package protocol owns the link-layer vocabulary shared by every component.
//
// Ownership boundary:
// - arm identity (Side, SideSet) and pairing identity parsing
// - per-arm and composite lifecycle states
// - the error taxonomy surfaced to callers
package protocol
