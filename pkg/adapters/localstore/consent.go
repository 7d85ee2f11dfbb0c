package localstore

import (
	"context"
	"time"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// ConsentStore keeps feature consents in consent.json.
type ConsentStore struct {
	f     *jsonFile
	clock Clock
}

var _ adapters.ConsentStore = (*ConsentStore)(nil)

func (s *ConsentStore) CheckResourceConsent(ctx context.Context, orgID, feature string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	consents, err := s.loadAll()
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	for _, c := range consents {
		if c.OrgID == orgID && c.Feature == feature && c.Holds(now, feature) {
			return true, nil
		}
	}
	return false, nil
}

func (s *ConsentStore) GrantConsent(ctx context.Context, orgID, feature, grantedBy string, expiresAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	consents, err := s.loadAll()
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for i := range consents {
		if consents[i].OrgID == orgID && consents[i].Feature == feature {
			// Re-granting after a revocation supersedes it.
			consents[i].Granted = true
			consents[i].GrantedAt = now
			consents[i].GrantedBy = grantedBy
			consents[i].ExpiresAt = expiresAt
			return s.saveAll(consents)
		}
	}
	consents = append(consents, adapters.Consent{
		OrgID:     orgID,
		Feature:   feature,
		Granted:   true,
		GrantedAt: now,
		GrantedBy: grantedBy,
		ExpiresAt: expiresAt,
	})
	return s.saveAll(consents)
}

func (s *ConsentStore) RevokeConsent(ctx context.Context, orgID, feature, revokedBy string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	consents, err := s.loadAll()
	if err != nil {
		return err
	}
	for i := range consents {
		if consents[i].OrgID == orgID && consents[i].Feature == feature {
			now := s.clock.Now()
			consents[i].RevokedAt = &now
			consents[i].RevokedBy = revokedBy
			return s.saveAll(consents)
		}
	}
	return adapters.ErrNotFound
}

func (s *ConsentStore) ConsentSummary(ctx context.Context, orgID string) ([]adapters.Consent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	consents, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	var out []adapters.Consent
	for _, c := range consents {
		if c.OrgID == orgID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *ConsentStore) CheckMultipleResources(ctx context.Context, orgID string, features []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	consents, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make(map[string]bool, len(features))
	for _, feature := range features {
		out[feature] = false
		for _, c := range consents {
			if c.OrgID == orgID && c.Feature == feature && c.Holds(now, feature) {
				out[feature] = true
				break
			}
		}
	}
	return out, nil
}

func (s *ConsentStore) loadAll() ([]adapters.Consent, error) {
	var consents []adapters.Consent
	if err := s.f.load(&consents); err != nil {
		return nil, adapters.NewStoreError("localstore.consent", "load", err)
	}
	return consents, nil
}

func (s *ConsentStore) saveAll(consents []adapters.Consent) error {
	if err := s.f.save(consents); err != nil {
		return adapters.NewStoreError("localstore.consent", "save", err)
	}
	return nil
}
