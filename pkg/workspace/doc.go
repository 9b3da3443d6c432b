// Package workspace confines all file paths to the configured root.
// The guard resolves a client-supplied path to its normalized absolute
// form and rejects anything that would land outside the workspace,
// including absolute paths and dot-dot escapes.
package workspace
