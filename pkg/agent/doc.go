// Package agent is the in-devbox server: a single HTTP surface over the
// file service, process registry, session manager, port monitor and log
// hub.
//
// Every response travels in the shared JSON envelope; business errors
// ride HTTP 200 with a non-zero envelope status, so clients dispatch on
// the envelope alone. The middleware chain runs recovery, request
// logging with trace ids, then bearer-token auth; health and metrics
// endpoints are exempt so probes and scrapers need no credentials.
package agent
