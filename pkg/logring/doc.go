// Package logring is the bounded per-target log buffer. Entries get a
// strictly increasing sequence number; when the ring is full the oldest
// entries are evicted. Tail reads filter by level without consuming.
package logring
