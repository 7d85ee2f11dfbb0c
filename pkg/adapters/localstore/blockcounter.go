package localstore

import (
	"context"
	"time"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// BlockCounter keeps hourly buckets in block-counter.json. Expired buckets
// are dropped lazily on the next access that loads the file.
type BlockCounter struct {
	f     *jsonFile
	clock Clock
}

var _ adapters.BlockCounter = (*BlockCounter)(nil)

type bucket struct {
	BucketKey string    `json:"bucketKey"`
	Count     int64     `json:"count"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *BlockCounter) Increment(ctx context.Context, ruleID, orgID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	now := s.clock.Now()
	buckets, err := s.loadLive(now)
	if err != nil {
		return 0, err
	}

	key := adapters.BucketKey(ruleID, orgID, now)
	for i := range buckets {
		if buckets[i].BucketKey == key {
			buckets[i].Count++
			if err := s.f.save(buckets); err != nil {
				return 0, adapters.NewStoreError("localstore.counter", "save", err, "bucket", key)
			}
			return buckets[i].Count, nil
		}
	}

	buckets = append(buckets, bucket{
		BucketKey: key,
		Count:     1,
		ExpiresAt: now.Add(adapters.BucketTTL),
	})
	if err := s.f.save(buckets); err != nil {
		return 0, adapters.NewStoreError("localstore.counter", "save", err, "bucket", key)
	}
	return 1, nil
}

func (s *BlockCounter) Count(ctx context.Context, ruleID, orgID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	now := s.clock.Now()
	buckets, err := s.loadLive(now)
	if err != nil {
		return 0, err
	}
	key := adapters.BucketKey(ruleID, orgID, now)
	for _, b := range buckets {
		if b.BucketKey == key {
			return b.Count, nil
		}
	}
	return 0, nil
}

func (s *BlockCounter) IsCircuitBroken(ctx context.Context, ruleID, orgID string, threshold int64) (bool, error) {
	count, err := s.Count(ctx, ruleID, orgID)
	if err != nil {
		return false, err
	}
	return count >= threshold, nil
}

// loadLive loads every bucket and drops the expired ones. Caller holds mu.
func (s *BlockCounter) loadLive(now time.Time) ([]bucket, error) {
	var all []bucket
	if err := s.f.load(&all); err != nil {
		return nil, adapters.NewStoreError("localstore.counter", "load", err)
	}
	live := all[:0]
	for _, b := range all {
		if b.ExpiresAt.After(now) {
			live = append(live, b)
		}
	}
	return live, nil
}
