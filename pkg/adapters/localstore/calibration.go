package localstore

import (
	"context"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// CalibrationStore keeps consensus calibration results in calibration.json.
type CalibrationStore struct {
	f *jsonFile
}

var _ adapters.CalibrationStore = (*CalibrationStore)(nil)

func (s *CalibrationStore) StoreCalibrationResult(ctx context.Context, result adapters.CalibrationResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	var results []adapters.CalibrationResult
	if err := s.f.load(&results); err != nil {
		return adapters.NewStoreError("localstore.calibration", "load", err)
	}
	for i := range results {
		if results[i].RuleID == result.RuleID {
			results[i] = result
			return s.save(results)
		}
	}
	results = append(results, result)
	return s.save(results)
}

func (s *CalibrationStore) GetCalibrationResult(ctx context.Context, ruleID string) (*adapters.CalibrationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	var results []adapters.CalibrationResult
	if err := s.f.load(&results); err != nil {
		return nil, adapters.NewStoreError("localstore.calibration", "load", err)
	}
	for _, r := range results {
		if r.RuleID == ruleID {
			return &r, nil
		}
	}
	return nil, adapters.ErrNotFound
}

func (s *CalibrationStore) AllCalibrationResults(ctx context.Context) ([]adapters.CalibrationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	var results []adapters.CalibrationResult
	if err := s.f.load(&results); err != nil {
		return nil, adapters.NewStoreError("localstore.calibration", "load", err)
	}
	return results, nil
}

func (s *CalibrationStore) save(results []adapters.CalibrationResult) error {
	if err := s.f.save(results); err != nil {
		return adapters.NewStoreError("localstore.calibration", "save", err)
	}
	return nil
}
