// Package client is the devbox-side runtime used from outside the box:
// one Client per devbox name, resolving the agent endpoint through the
// upstream cluster API, holding a pool of health-checked HTTP
// connections and exposing the agent's file, process, session, port and
// log operations as typed calls.
//
// Every enveloped call retries with exponential backoff, but only when
// the decoded error code is in the protocol's retryable set. Streaming
// calls (tar download, upload, exec stream, log subscriptions) are
// never retried. Lifecycle operations (start, pause, restart, shutdown,
// delete) are proxied to the upstream API rather than the agent.
package client
