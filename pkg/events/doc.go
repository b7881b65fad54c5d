/*
Package events provides an in-memory broker for worker pool events.

The factory publishes an event whenever it changes the pool: a worker spawned
or failing its readiness probe, a record deregistered, an unresponsive
process terminated, a dangling request swept. Subscribers such as the
factory watch command receive them asynchronously.

Publishing never blocks the publisher. Events are queued (buffer: 100) and
broadcast to every subscriber channel (buffer: 50 each); a full queue drops
the event and a full subscriber misses it. A nil *Broker is valid and
discards everything, so components take an optional broker without checks.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Port, ev.Message)
	}
*/
package events
