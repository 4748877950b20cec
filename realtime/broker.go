package realtime

import "context"

// Broker publishes events to every node that holds subscribers.
type Broker interface {
	Publish(ctx context.Context, ev Event) error
}

// LocalBroker delivers straight into a single node's hub.
type LocalBroker struct {
	hub *Hub
}

func NewLocalBroker(hub *Hub) *LocalBroker {
	return &LocalBroker{hub: hub}
}

func (b *LocalBroker) Publish(_ context.Context, ev Event) error {
	b.hub.Dispatch(ev)
	return nil
}
