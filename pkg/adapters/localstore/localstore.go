// Package localstore is the in-process, file-backed adapter family. Each
// store is a JSON array in one file under the data directory, guarded by a
// per-file mutex, with atomic write-to-temp-then-rename persistence.
//
// Safe within a single process only; cross-process callers need an OS-level
// lock file, which this provider deliberately does not implement.
package localstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// File names under the data directory.
const (
	fpEventsFile     = "fp-events.json"
	consentFile      = "consent.json"
	blockCounterFile = "block-counter.json"
	secretsFile      = "secrets.json"
	baselinesFile    = "baselines.json"
	calibrationFile  = "calibration.json"
)

// Clock is injectable for bucket-expiry tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Option configures the local adapter family.
type Option func(*options)

type options struct {
	clock Clock
}

// WithClock injects a deterministic clock into every store.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// Open creates the data directory if needed and returns the full adapter
// set backed by it.
func Open(dir string, opts ...Option) (adapters.Set, error) {
	o := options{clock: wallClock{}}
	for _, fn := range opts {
		fn(&o)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return adapters.Set{}, fmt.Errorf("localstore: create data dir: %w", err)
	}

	return adapters.Set{
		FPStore:      &FPStore{f: newJSONFile(dir, fpEventsFile), clock: o.clock},
		BlockCounter: &BlockCounter{f: newJSONFile(dir, blockCounterFile), clock: o.clock},
		Consent:      &ConsentStore{f: newJSONFile(dir, consentFile), clock: o.clock},
		Secrets:      &SecretStore{f: newJSONFile(dir, secretsFile), clock: o.clock},
		Baselines:    &BaselineStore{f: newJSONFile(dir, baselinesFile), clock: o.clock},
		Calibration:  &CalibrationStore{f: newJSONFile(dir, calibrationFile)},
	}, nil
}

// jsonFile serializes one record collection. Callers hold mu across the
// whole read-modify-write cycle.
type jsonFile struct {
	mu   sync.Mutex
	path string
}

func newJSONFile(dir, name string) *jsonFile {
	return &jsonFile{path: filepath.Join(dir, name)}
}

// load decodes the collection into v; a missing file leaves v untouched.
func (f *jsonFile) load(v any) error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("localstore: read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("localstore: parse %s: %w", f.path, err)
	}
	return nil
}

// save writes the collection atomically: temp file in the same directory,
// then rename over the target.
func (f *jsonFile) save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("localstore: marshal %s: %w", f.path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("localstore: temp file for %s: %w", f.path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("localstore: write %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("localstore: close temp for %s: %w", f.path, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("localstore: rename %s: %w", f.path, err)
	}
	return nil
}
