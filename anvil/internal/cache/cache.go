// Package cache provides content-addressed get/put of build artifacts
// over a blob bucket, with a small in-memory hot layer for bundles that
// are executed repeatedly.
package cache

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound indicates the requested hash has never been stored. It is
// distinct from metadata corruption so operators can tell "never built"
// from "built but corrupt".
var ErrNotFound = errors.New("artifact not found in cache")

var (
	metricHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_cache_requests_total",
			Help: "Total number of cache lookups, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(metricHits)
}

// Cache is a content-addressed artifact store. Reads are idempotent and
// side-effect free; the hot layer only short-circuits bucket reads and
// never changes observable results.
type Cache struct {
	bucket *blob.Bucket
	hot    *lru.Cache[string, []byte]
}

// New creates a cache over the given bucket. hotEntries bounds the
// number of artifact payloads kept in memory; zero disables the hot
// layer.
func New(bucket *blob.Bucket, hotEntries int) (*Cache, error) {
	c := &Cache{bucket: bucket}
	if hotEntries > 0 {
		hot, err := lru.New[string, []byte](hotEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to create hot cache layer: %w", err)
		}
		c.hot = hot
	}
	return c, nil
}

// Get returns the artifact bytes stored under hash, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, hash string) ([]byte, error) {
	if hash == "" {
		return nil, fmt.Errorf("%w: empty hash", ErrNotFound)
	}
	if c.hot != nil {
		if data, ok := c.hot.Get(hash); ok {
			metricHits.WithLabelValues("hot").Inc()
			return data, nil
		}
	}

	data, err := c.bucket.ReadAll(ctx, hash)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			metricHits.WithLabelValues("miss").Inc()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		metricHits.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read artifact %q: %w", hash, err)
	}

	metricHits.WithLabelValues("hit").Inc()
	if c.hot != nil {
		c.hot.Add(hash, data)
	}
	return data, nil
}

// Put stores artifact bytes under hash. Existing content for the same
// hash is byte-identical by construction, so overwrites are harmless.
func (c *Cache) Put(ctx context.Context, hash string, data []byte) error {
	if hash == "" {
		return errors.New("cannot store artifact under an empty hash")
	}
	if err := c.bucket.WriteAll(ctx, hash, data, nil); err != nil {
		return fmt.Errorf("failed to store artifact %q: %w", hash, err)
	}
	if c.hot != nil {
		c.hot.Add(hash, data)
	}
	return nil
}
