package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/linkedin/goavro/v2"
)

// SchemaCache resolves schema ids to compiled Avro codecs. Schema ids
// are content-addressed upstream, so an entry never goes stale and the
// cache only ever grows by the handful of schema versions a topic sees.
type SchemaCache struct {
	transport Transport

	mu     sync.RWMutex
	codecs map[string]*goavro.Codec
}

func NewSchemaCache(transport Transport) *SchemaCache {
	return &SchemaCache{
		transport: transport,
		codecs:    make(map[string]*goavro.Codec),
	}
}

func (c *SchemaCache) Codec(ctx context.Context, schemaID string) (*goavro.Codec, error) {
	c.mu.RLock()
	codec, ok := c.codecs[schemaID]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	info, err := c.transport.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}

	codec, err = goavro.NewCodec(info.SchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", schemaID, err)
	}

	c.mu.Lock()
	c.codecs[schemaID] = codec
	c.mu.Unlock()
	return codec, nil
}
