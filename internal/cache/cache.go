package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"utspclient/internal/blob"
	"utspclient/internal/job"
)

const (
	defaultFrontEntries = 256
	defaultFrontTTL     = 10 * time.Minute
)

// Option configures a Cache.
type Option func(*Cache)

// WithFront sizes the in-memory read accelerator.
func WithFront(entries int, ttl time.Duration) Option {
	return func(c *Cache) {
		if entries > 0 {
			c.frontEntries = entries
		}
		if ttl > 0 {
			c.frontTTL = ttl
		}
	}
}

// WithBlobStore offloads ready result files larger than threshold bytes to
// the given object store; lookups rehydrate them transparently.
func WithBlobStore(store blob.Store, threshold int) Option {
	return func(c *Cache) {
		c.blobs = store
		if threshold > 0 {
			c.offloadBytes = threshold
		}
	}
}

// Cache fronts a durable Store with a bounded expirable LRU. The store is the
// source of truth; the front only saves reads on hot fingerprints.
type Cache struct {
	store        Store
	front        *expirable.LRU[string, Entry]
	frontEntries int
	frontTTL     time.Duration
	blobs        blob.Store
	offloadBytes int
}

func New(store Store, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("cache: store is required")
	}
	c := &Cache{
		store:        store,
		frontEntries: defaultFrontEntries,
		frontTTL:     defaultFrontTTL,
		offloadBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.front = expirable.NewLRU[string, Entry](c.frontEntries, nil, c.frontTTL)
	return c, nil
}

// Lookup returns the cached entry for a fingerprint, rehydrating any
// offloaded result files.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (Entry, bool, error) {
	if entry, ok := c.front.Get(fingerprint); ok {
		return entry, true, nil
	}
	entry, ok, err := c.store.Lookup(ctx, fingerprint)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	if err := c.rehydrate(ctx, &entry); err != nil {
		return Entry{}, false, err
	}
	c.front.Add(fingerprint, entry)
	return entry, true, nil
}

// Put persists an entry under the monotonic merge rule and returns the entry
// that won. Large ready results are offloaded to the blob store first.
func (c *Cache) Put(ctx context.Context, entry Entry) (Entry, error) {
	entry.UpdatedAt = time.Now()
	offloaded := entry
	if err := c.offload(ctx, &offloaded); err != nil {
		return Entry{}, err
	}
	stored, err := c.store.Put(ctx, offloaded)
	if err != nil {
		return Entry{}, err
	}
	if stored.Status != entry.Status {
		logrus.Debugf("cache: write of %s for %s lost to %s", entry.Status, entry.Fingerprint, stored.Status)
	}
	// Keep the hydrated envelope in the front when our write won.
	if stored.Status == entry.Status && stored.RemoteID == entry.RemoteID {
		entry.UpdatedAt = stored.UpdatedAt
		c.front.Add(entry.Fingerprint, entry)
	} else {
		c.front.Remove(entry.Fingerprint)
	}
	return stored, nil
}

// Close flushes and closes the durable backend.
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) offload(ctx context.Context, entry *Entry) error {
	if c.blobs == nil || entry.Status != job.StatusReady || entry.Envelope == nil {
		return nil
	}
	env := entry.Envelope.Clone()
	for i, f := range env.Files {
		if f.Location != "" || len(f.Data) < c.offloadBytes {
			continue
		}
		location, err := c.blobs.Put(ctx, entry.Fingerprint, f.Name, f.Data)
		if err != nil {
			return fmt.Errorf("cache: offload %s: %w", f.Name, err)
		}
		env.Files[i].Location = location
		env.Files[i].Data = nil
	}
	entry.Envelope = &env
	return nil
}

func (c *Cache) rehydrate(ctx context.Context, entry *Entry) error {
	if entry.Envelope == nil {
		return nil
	}
	env := entry.Envelope.Clone()
	for i, f := range env.Files {
		if f.Location == "" || f.Data != nil {
			continue
		}
		if c.blobs == nil {
			return fmt.Errorf("cache: entry %s references offloaded file %s but no blob store is configured", entry.Fingerprint, f.Name)
		}
		data, err := c.blobs.Get(ctx, f.Location)
		if err != nil {
			return fmt.Errorf("cache: rehydrate %s: %w", f.Name, err)
		}
		env.Files[i].Data = data
	}
	entry.Envelope = &env
	return nil
}
