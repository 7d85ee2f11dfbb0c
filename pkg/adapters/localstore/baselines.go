package localstore

import (
	"context"
	"encoding/base64"
	"sort"
	"strconv"
	"time"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// BaselineStore keeps versioned opaque baselines in baselines.json.
type BaselineStore struct {
	f     *jsonFile
	clock Clock
}

var _ adapters.BaselineStore = (*BaselineStore)(nil)

type baselineRecord struct {
	Key        string    `json:"key"`
	Version    int       `json:"version"`
	Data       string    `json:"data"` // base64
	ModifiedAt time.Time `json:"modifiedAt"`
}

func (s *BaselineStore) GetBaseline(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	records, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Key == key {
			data, err := base64.StdEncoding.DecodeString(r.Data)
			if err != nil {
				return nil, adapters.NewStoreError("localstore.baselines", "decode", err, "key", key)
			}
			return data, nil
		}
	}
	return nil, nil
}

func (s *BaselineStore) PutBaseline(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	records, err := s.loadAll()
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	now := s.clock.Now()
	for i := range records {
		if records[i].Key == key {
			records[i].Version++
			records[i].Data = encoded
			records[i].ModifiedAt = now
			return s.saveAll(records)
		}
	}
	records = append(records, baselineRecord{Key: key, Version: 1, Data: encoded, ModifiedAt: now})
	return s.saveAll(records)
}

func (s *BaselineStore) ListBaselines(ctx context.Context) ([]adapters.BaselineInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	records, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	out := make([]adapters.BaselineInfo, 0, len(records))
	for _, r := range records {
		out = append(out, adapters.BaselineInfo{
			Key:        r.Key,
			Version:    strconv.Itoa(r.Version),
			ModifiedAt: r.ModifiedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.After(out[j].ModifiedAt) })
	return out, nil
}

func (s *BaselineStore) DeleteBaseline(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	records, err := s.loadAll()
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].Key == key {
			records = append(records[:i], records[i+1:]...)
			return s.saveAll(records)
		}
	}
	return adapters.ErrNotFound
}

func (s *BaselineStore) loadAll() ([]baselineRecord, error) {
	var records []baselineRecord
	if err := s.f.load(&records); err != nil {
		return nil, adapters.NewStoreError("localstore.baselines", "load", err)
	}
	return records, nil
}

func (s *BaselineStore) saveAll(records []baselineRecord) error {
	if err := s.f.save(records); err != nil {
		return adapters.NewStoreError("localstore.baselines", "save", err)
	}
	return nil
}
