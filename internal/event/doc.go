/*
Package event provides the per-session, ordered fan-out of protocol events to
any number of observers.

# Architecture

The Hub is built on watermill's gochannel with one topic per session and
BlockPublishUntilSubscriberAck enabled. A publish returns only after every
subscriber has taken the event, so each subscriber sees events in emission
order. Subscribers never block the producer for longer than an enqueue: each
Subscription runs a forwarder goroutine that acks immediately and buffers into
its own queue. A subscriber whose queue grows past MaxPending is dropped
(its channel is closed and Err reports ErrSubscriberLagging); events are never
coalesced or skipped for a subscriber that stays attached.

# Late subscribers

Subscribe atomically captures the session's current Snapshot and registers
for live events under the same lock Publish holds, so the first value on a
Subscription is always a snapshot event and every later event has a higher
Seq. A client reconstructs content as:

	snap.Content + concat(delta.Text, tool_result.Fold ...)

Subscribing to a session that has already finalized yields exactly two
events, the snapshot and the retained finalized event, and then the channel
closes.

# Lifecycle

	hub := event.NewHub(event.Options{Retention: 2 * time.Minute})
	defer hub.Close()

	hub.Open(sessionID)
	sub, err := hub.Subscribe(ctx, sessionID)
	...
	for ev := range sub.Events() {
		// ev.Kind() == types.KindFinalized is always last
	}

A Subscription closes itself after delivering finalized. Closing it or
canceling its context detaches only that observer; the session keeps
running. Finished streams are retained for Options.Retention so late
subscribers still see the terminal state.
*/
package event
