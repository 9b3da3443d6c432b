/*
Package protocol defines the wire contract shared by the Burrow agent and
its clients.

Every agent response is a JSON envelope:

	{ "status": 0, ...payload }
	{ "status": 1404, "code": "process_not_found", "message": "...", "context": {...} }

Status 0 is success; non-zero statuses classify the failure. The HTTP
status line is always 200 except for panic recovery (500), so decoding
goes through DecodeEnvelope rather than the transport status.

Error taxonomy is a single tagged type (Error) plus a closed code table.
Code.Retryable() is the only retry oracle: the client backs off and
retries exactly the codes marked retryable, never on a heuristic.
*/
package protocol
