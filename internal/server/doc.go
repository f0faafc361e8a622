/*
Package server exposes turnstream sessions over HTTP.

# Endpoints

	GET  /health                   liveness and active session count
	POST /session                  {conversationScope, userInput} -> 201 {sessionID}
	GET  /session                  active sessions
	GET  /session/{id}             live view of one session
	POST /session/{id}/cancel      stop a session; it finalizes as canceled
	GET  /session/{id}/event       Server-Sent Events
	GET  /session/{id}/ws          WebSocket
	GET  /turn/{id}                persisted turn record
	GET  /turn?scope=...           persisted records of a conversation

# Event streams

Both transports deliver the session's protocol events in order, starting
with a snapshot and ending with finalized:

	event: message
	data: {"seq":0,"sessionID":"01J...","type":"snapshot","time":"...","properties":{"content":"","seq":0}}

	event: message
	data: {"seq":1,"sessionID":"01J...","type":"status","time":"...","properties":{"phase":"thinking"}}

Keep-alives are transport level: SSE comment lines (": heartbeat") and
WebSocket pings, every Config.Heartbeat. They never appear in the event
sequence.

Closing a stream only detaches that observer. Sessions are stopped by
POST /session/{id}/cancel or server shutdown, never by a disconnect.

# Errors

Errors use one envelope:

	{"error": {"code": "NOT_FOUND", "message": "Session not found", "details": {"sessionID": "..."}}}
*/
package server
