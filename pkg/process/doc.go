// Package process manages commands executed inside the workspace.
//
// Three execution modes share one registry:
//
//	Exec        async: returns a process id immediately, output goes to a
//	            per-process log ring and the attached log sink
//	ExecSync    blocking: captured stdout/stderr, bounded by a timeout
//	ExecStream  blocking: line events streamed through a callback
//
// Every child runs in its own process group so kill and timeout reach
// the whole tree, not just the direct child. Terminal records are kept
// for a grace period so logs and exit codes stay queryable, then a
// background reaper drops them.
//
// Spawn failures are not silent: Exec records a failed-to-start process
// whose system log line carries the OS error.
package process
