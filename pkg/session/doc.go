// Package session manages long-lived interactive shells. Unlike one-shot
// process execution, a session keeps state between commands: working
// directory, exported variables, shell functions.
//
// Command completion is detected with marker lines. Exec writes the
// command to the shell's stdin followed by two printf statements, one
// per stream; the stdout marker carries the exit code. The stream
// readers peel the markers off before they reach the log ring, so
// clients never see them. A command that outlives its timeout leaves
// the shell wedged, and the whole session is terminated rather than
// handed to the next caller in an unknown state.
package session
