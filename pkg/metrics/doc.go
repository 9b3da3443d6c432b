// Package metrics defines the prometheus collectors of the agent and
// the HTTP handler that exposes them.
package metrics
