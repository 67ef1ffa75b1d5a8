package tokenizer

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// CachedTokenizer memoises another tokenizer's output in a bbolt file.
// Entries live in a bucket named after the wrapped tokenizer, so a
// vocabulary change never serves stale ids.
type CachedTokenizer struct {
	inner  Tokenizer
	db     *bbolt.DB
	bucket []byte

	hits, misses atomic.Int64
}

// NewCachedTokenizer opens (or creates) the cache file at path
func NewCachedTokenizer(path string, inner Tokenizer) (*CachedTokenizer, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open token cache %s: %w", path, err)
	}
	bucket := []byte(inner.Name())
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create token cache bucket: %w", err)
	}
	return &CachedTokenizer{inner: inner, db: db, bucket: bucket}, nil
}

func (c *CachedTokenizer) Encode(text string) ([]int, error) {
	if text == "" {
		// bbolt rejects empty keys
		return c.inner.Encode(text)
	}
	var ids []int
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(c.bucket).Get([]byte(text))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &ids)
	})
	if err != nil {
		return nil, fmt.Errorf("read token cache: %w", err)
	}
	if ids != nil {
		c.hits.Add(1)
		return ids, nil
	}

	c.misses.Add(1)
	ids, err = c.inner.Encode(text)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal token ids: %w", err)
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(c.bucket).Put([]byte(text), data)
	})
	if err != nil {
		return nil, fmt.Errorf("write token cache: %w", err)
	}
	return ids, nil
}

func (c *CachedTokenizer) VocabSize() int { return c.inner.VocabSize() }
func (c *CachedTokenizer) PadID() int     { return c.inner.PadID() }
func (c *CachedTokenizer) Name() string   { return c.inner.Name() }

// Stats returns cache hits and misses since the cache was opened
func (c *CachedTokenizer) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedTokenizer) Close() error { return c.db.Close() }
