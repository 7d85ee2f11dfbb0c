package localstore

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// SecretStore keeps versioned nonce parameters in secrets.json.
type SecretStore struct {
	f     *jsonFile
	clock Clock
}

var _ adapters.SecretStore = (*SecretStore)(nil)

type secretRecord struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var secretVersionSuffix = regexp.MustCompile(`^(.*v)(\d+)$`)

func (s *SecretStore) GetNonce(ctx context.Context, paramName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	var records []secretRecord
	if err := s.f.load(&records); err != nil {
		return "", adapters.NewStoreError("localstore.secrets", "load", err)
	}
	for _, r := range records {
		if r.Name == paramName {
			return r.Value, nil
		}
	}
	return "", adapters.ErrNotFound
}

func (s *SecretStore) RotateNonce(ctx context.Context, paramName, newValue string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m := secretVersionSuffix.FindStringSubmatch(paramName)
	if m == nil {
		return "", fmt.Errorf("localstore: parameter %q has no version suffix to rotate", paramName)
	}
	current, err := strconv.Atoi(m[2])
	if err != nil {
		return "", fmt.Errorf("localstore: parse version of %q: %w", paramName, err)
	}
	nextName := m[1] + strconv.Itoa(current+1)

	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	var records []secretRecord
	if err := s.f.load(&records); err != nil {
		return "", adapters.NewStoreError("localstore.secrets", "load", err)
	}
	records = append(records, secretRecord{
		Name:      nextName,
		Value:     newValue,
		UpdatedAt: s.clock.Now(),
	})
	if err := s.f.save(records); err != nil {
		return "", adapters.NewStoreError("localstore.secrets", "save", err, "param", nextName)
	}
	return nextName, nil
}

func (s *SecretStore) IsReachable(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	var records []secretRecord
	return s.f.load(&records) == nil
}

// SeedNonce installs a parameter directly; used by tests and bootstrap.
func (s *SecretStore) SeedNonce(paramName, value string) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	var records []secretRecord
	if err := s.f.load(&records); err != nil {
		return adapters.NewStoreError("localstore.secrets", "load", err)
	}
	for i := range records {
		if records[i].Name == paramName {
			records[i].Value = value
			records[i].UpdatedAt = s.clock.Now()
			return s.f.save(records)
		}
	}
	records = append(records, secretRecord{Name: paramName, Value: value, UpdatedAt: s.clock.Now()})
	if err := s.f.save(records); err != nil {
		return adapters.NewStoreError("localstore.secrets", "save", err, "param", paramName)
	}
	return nil
}
