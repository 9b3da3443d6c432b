// Package files implements the workspace file service: read, write,
// delete, list, move and rename, plus tar-based bulk download and
// upload. All paths go through the workspace guard, so nothing in this
// package can reach outside the configured root.
//
// Writes are bounded by a configurable size limit and land via temp
// file plus rename. Bulk upload validates every archive entry
// independently and reports per-entry success, so one bad path does not
// sink the batch.
package files
