/*
Package types defines the shared domain types for Burrow.

These structs are used on both sides of the wire: the agent serializes
them inside the response envelope (see pkg/protocol) and the client
decodes them back. State enums are plain strings so they survive JSON
round-trips without custom marshalers.

Lifecycle state machines:

	Process:  running → exited | killed        (failed-to-start on spawn error)
	Session:  active → terminating → terminated
	Devbox:   pending → running ⇄ paused → stopped → deleting
*/
package types
