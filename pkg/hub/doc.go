// Package hub streams process and session logs over WebSocket.
//
// One socket carries any number of subscriptions. The client drives
// them with JSON control frames:
//
//	{"action":"subscribe","type":"process","targetId":"...","options":{"levels":["stdout"],"tail":50}}
//	{"action":"unsubscribe","type":"process","targetId":"..."}
//	{"action":"list"}
//
// Each subscription gets its own pump goroutine and bounded queue.
// The pump first replays ring history in paced batches, flagged
// isHistory, then switches to live lines; replayed sequences are
// skipped on the live path so nothing is delivered twice and history
// always precedes live output. Producers never block on a slow
// subscriber: when a queue is full the line is dropped for that
// subscriber alone and counted.
package hub
