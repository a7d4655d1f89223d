// Package cache keeps decoder weights alive between benchmark runs.
package cache

import (
	"sync"

	"github.com/23skdu/longbow-fastseq/internal/decoder"
)

// WeightSource hands out decoder weights for a configuration.
type WeightSource interface {
	// Weights returns the layer weights for cfg.
	Weights(cfg decoder.Config) []decoder.LayerWeights
	// Size returns the number of configurations held.
	Size() int
}

// WeightCache is an in-memory WeightSource. Weights are seeded from the
// configuration, so a cached entry is identical to a freshly built one.
// Returned weights are shared and must be treated as read-only.
type WeightCache struct {
	data map[decoder.Config][]decoder.LayerWeights
	mu   sync.RWMutex
}

func NewWeightCache() *WeightCache {
	return &WeightCache{
		data: make(map[decoder.Config][]decoder.LayerWeights),
	}
}

func (c *WeightCache) Weights(cfg decoder.Config) []decoder.LayerWeights {
	c.mu.RLock()
	w, ok := c.data[cfg]
	c.mu.RUnlock()
	if ok {
		weightCacheHits.Inc()
		return w
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.data[cfg]; ok {
		weightCacheHits.Inc()
		return w
	}
	weightCacheMisses.Inc()
	w = decoder.NewLayerWeights(cfg)
	c.data[cfg] = w
	return w
}

func (c *WeightCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
