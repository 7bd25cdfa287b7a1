// Package pool coordinates a set of relays behind one API: flag-targeted
// fan-out for publishes and subscriptions, cross-relay event deduplication,
// a shared notification stream and the storage-backed sync driver.
package pool
