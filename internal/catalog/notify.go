package catalog

import "github.com/roach88/eventvault/internal/pubsub"

// Invalidation tells reactive consumers which tables an applied entry
// touched.
type Invalidation struct {
	Tag        string
	PrimaryKey string
	Tables     []string
}

// Notifier fans invalidations out to subscribers.
type Notifier struct {
	hub *pubsub.Hub[Invalidation]
}

// NewNotifier creates a notifier.
func NewNotifier() *Notifier {
	return &Notifier{hub: pubsub.NewHub[Invalidation](pubsub.DefaultBuffer)}
}

// Subscribe registers a consumer. Close the subscription to release it.
func (n *Notifier) Subscribe() *pubsub.Subscription[Invalidation] {
	return n.hub.Subscribe()
}

// Close ends every subscription.
func (n *Notifier) Close() {
	n.hub.Close()
}

func (n *Notifier) publish(inv Invalidation) {
	n.hub.Publish(inv)
}
