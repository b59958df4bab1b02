package schema

import (
	"context"
	"time"

	"github.com/rudderlabs/rudder-go-kit/cachettl"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
)

// Cache is a TTL cache in front of a Describer, keyed by
// (environment, objectType) so concurrent runs against different
// environments never see each other's metadata. Expiry is checked on read
// and reads never extend it, so an entry's age stays bounded by the TTL no
// matter how often it is hit.
type Cache struct {
	describer     Describer
	environmentID string
	ttl           time.Duration
	log           logger.Logger

	cache *cachettl.Cache[string, *Metadata]
}

func NewCache(
	conf *config.Config,
	log logger.Logger,
	describer Describer,
	environmentID string,
) *Cache {
	return &Cache{
		describer:     describer,
		environmentID: environmentID,
		ttl:           conf.GetDuration("Schema.cacheTTLInMinutes", 30, time.Minute),
		log:           log.Child("schemacache"),
		cache:         cachettl.New[string, *Metadata](cachettl.WithNoRefreshTTL),
	}
}

// Describe returns cached metadata when fresh, otherwise fetches and caches
// it. A fetch failure is returned to the caller; nothing is cached for it so
// the next call retries.
func (c *Cache) Describe(ctx context.Context, objectType string) (*Metadata, error) {
	key := c.environmentID + "/" + objectType
	if meta := c.cache.Get(key); meta != nil {
		return meta, nil
	}

	meta, err := c.describer.Describe(ctx, objectType)
	if err != nil {
		return nil, err
	}

	c.cache.Put(key, meta, c.ttl)
	c.log.Debugn("cached describe metadata",
		logger.NewStringField("objectType", objectType),
		logger.NewIntField("fields", int64(len(meta.Fields))),
	)
	return meta, nil
}
