package permissions

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/md-rashed-zaman/eventrelay/libs/envelope"
)

// ConsumerGroupPrefix is suffixed with the instance id: every instance must see every
// change to clear its own local cache.
const ConsumerGroupPrefix = "trip-permission-cache-"

// Invalidator drops cached decisions of other instances' permission changes.
type Invalidator struct {
	cache Cache
}

func NewInvalidator(cache Cache) *Invalidator {
	return &Invalidator{cache: cache}
}

func (i *Invalidator) Handle(ctx context.Context, _ pgx.Tx, env envelope.Envelope) error {
	var change Changed
	if err := env.DecodePayload(&change); err != nil {
		return consumer.Permanent(err)
	}
	if err := change.Key().Validate(); err != nil {
		return consumer.Permanent(err)
	}
	return i.cache.Invalidate(ctx, change.Key())
}

func (i *Invalidator) Register(d *consumer.Dispatcher) {
	d.Register(EventPermissionChanged, i.Handle)
}
