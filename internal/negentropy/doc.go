// Package negentropy implements the range-based set reconciliation
// sub-protocol (protocol version 0x61) used to compute the symmetric
// difference between a local and a remote event-ID set without transferring
// full ID lists.
//
// Both sides sort their (timestamp, id) pairs and exchange fingerprints over
// contiguous ranges. Mismatching ranges are either split into sub-range
// fingerprints or, once small enough, resolved by sending the raw IDs.
// Every round strictly shrinks the total unresolved range, so the exchange
// terminates for any finite sets.
package negentropy
