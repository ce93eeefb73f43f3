/*
Package events provides an in-memory event broker for brickd's cluster
notifications.

Every committed mutation the cluster management plane makes (a peer
changing friendship state, a volume moving through its lifecycle, a brick
starting or stopping, a self-heal daemon reporting split-brain) publishes
an Event on the broker. This is ambient observability, not part of the
Op-SM's correctness: a dropped event never causes a commit to be lost, since
the text store under pkg/store remains the source of truth.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			log.Printf("%s: %s", ev.Type, ev.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventVolumeStarted,
		Message: "volume gv0 started",
		Metadata: map[string]string{"volume": "gv0"},
	})

Publish queues the event for the broadcaster and waits while that queue is
full. The broadcast itself is non-blocking and delivery is best effort: a
subscriber with a full buffer simply misses the event rather than stalling
the broadcaster.
*/
package events
