//go:build gcp

// Package gcpstore implements the adapter set on Google Cloud: Firestore
// for events, consent, counters, and calibration results; Secret Manager
// for nonce material; GCS for baselines. Compiled in with the gcp build
// tag.
package gcpstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// Firestore collection names.
const (
	fpCollection           = "fp-events"
	consentCollection      = "consent"
	blockCounterCollection = "block-counter"
	calibrationCollection  = "calibration"
)

// Open builds the full adapter set for one GCP project.
func Open(ctx context.Context, cfg Config) (adapters.Set, error) {
	fs, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return adapters.Set{}, fmt.Errorf("gcpstore: firestore client: %w", err)
	}
	sm, err := secretmanager.NewClient(ctx)
	if err != nil {
		return adapters.Set{}, fmt.Errorf("gcpstore: secret manager client: %w", err)
	}
	gcs, err := storage.NewClient(ctx)
	if err != nil {
		return adapters.Set{}, fmt.Errorf("gcpstore: storage client: %w", err)
	}

	return adapters.Set{
		FPStore:      &FPStore{client: fs},
		BlockCounter: &BlockCounter{client: fs},
		Consent:      &ConsentStore{client: fs},
		Secrets:      &SecretStore{client: sm, project: cfg.ProjectID},
		Baselines:    &BaselineStore{client: gcs, bucket: cfg.BaselineBucket, prefix: cfg.BaselinePrefix},
		Calibration:  &CalibrationStore{client: fs},
	}, nil
}

// fpDoc mirrors adapters.FPEvent with firestore field tags; context is
// flattened for querying.
type fpDoc struct {
	EventID           string     `firestore:"eventId"`
	RuleID            string     `firestore:"ruleId"`
	RuleVersion       string     `firestore:"ruleVersion"`
	FindingID         string     `firestore:"findingId"`
	Outcome           string     `firestore:"outcome"`
	IsFalsePositive   bool       `firestore:"isFalsePositive"`
	ReviewedBy        string     `firestore:"reviewedBy"`
	SuppressionTicket string     `firestore:"suppressionTicket"`
	ReviewedAt        *time.Time `firestore:"reviewedAt"`
	Timestamp         time.Time  `firestore:"timestamp"`
	OrgIDHash         string     `firestore:"orgIdHash"`
	RepoID            string     `firestore:"repoId"`
	Branch            string     `firestore:"branch"`
	EventType         string     `firestore:"eventType"`
}

func toFPDoc(ev adapters.FPEvent) fpDoc {
	return fpDoc{
		EventID:           ev.EventID,
		RuleID:            ev.RuleID,
		RuleVersion:       ev.RuleVersion,
		FindingID:         ev.FindingID,
		Outcome:           string(ev.Outcome),
		IsFalsePositive:   ev.IsFalsePositive,
		ReviewedBy:        ev.ReviewedBy,
		SuppressionTicket: ev.SuppressionTicket,
		ReviewedAt:        ev.ReviewedAt,
		Timestamp:         ev.Timestamp,
		OrgIDHash:         ev.Context.OrgIDHash,
		RepoID:            ev.Context.RepoID,
		Branch:            ev.Context.Branch,
		EventType:         ev.Context.EventType,
	}
}

func (d fpDoc) event() adapters.FPEvent {
	return adapters.FPEvent{
		EventID:           d.EventID,
		RuleID:            d.RuleID,
		RuleVersion:       d.RuleVersion,
		FindingID:         d.FindingID,
		Outcome:           adapters.Outcome(d.Outcome),
		IsFalsePositive:   d.IsFalsePositive,
		ReviewedBy:        d.ReviewedBy,
		SuppressionTicket: d.SuppressionTicket,
		ReviewedAt:        d.ReviewedAt,
		Timestamp:         d.Timestamp,
		Context: adapters.EventContext{
			OrgIDHash: d.OrgIDHash,
			RepoID:    d.RepoID,
			Branch:    d.Branch,
			EventType: d.EventType,
		},
	}
}

// FPStore persists review events in Firestore, document ID = eventId.
type FPStore struct {
	client *firestore.Client
}

func (s *FPStore) RecordEvent(ctx context.Context, event adapters.FPEvent) error {
	_, err := s.client.Collection(fpCollection).Doc(event.EventID).Create(ctx, toFPDoc(event))
	if status.Code(err) == codes.AlreadyExists {
		return adapters.ErrDuplicateEvent
	}
	if err != nil {
		return adapters.NewStoreError("firestore-fp", "CreateFailed", err,
			"ruleId", event.RuleID, "eventId", event.EventID)
	}
	return nil
}

func (s *FPStore) MarkFalsePositive(ctx context.Context, findingID, reviewedBy, ticket string) error {
	ref, _, err := s.findingRef(ctx, "", findingID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "isFalsePositive", Value: true},
		{Path: "reviewedBy", Value: reviewedBy},
		{Path: "suppressionTicket", Value: ticket},
		{Path: "reviewedAt", Value: &now},
	})
	if err != nil {
		return adapters.NewStoreError("firestore-fp", "UpdateFailed", err, "findingId", findingID)
	}
	return nil
}

func (s *FPStore) WindowByCount(ctx context.Context, ruleID string, n int) (*adapters.FPWindow, error) {
	iter := s.client.Collection(fpCollection).
		Where("ruleId", "==", ruleID).
		OrderBy("timestamp", firestore.Desc).
		Limit(n).
		Documents(ctx)
	events, err := drainEvents(iter)
	if err != nil {
		return nil, adapters.NewStoreError("firestore-fp", "QueryFailed", err, "ruleId", ruleID)
	}
	return adapters.ComputeWindow(ruleID, events), nil
}

func (s *FPStore) WindowSince(ctx context.Context, ruleID string, since time.Time) (*adapters.FPWindow, error) {
	iter := s.client.Collection(fpCollection).
		Where("ruleId", "==", ruleID).
		Where("timestamp", ">=", since).
		OrderBy("timestamp", firestore.Desc).
		Documents(ctx)
	events, err := drainEvents(iter)
	if err != nil {
		return nil, adapters.NewStoreError("firestore-fp", "QueryFailed", err, "ruleId", ruleID)
	}
	return adapters.ComputeWindow(ruleID, events), nil
}

func (s *FPStore) IsFalsePositive(ctx context.Context, ruleID, findingID string) (bool, error) {
	_, doc, err := s.findingRef(ctx, ruleID, findingID)
	if err == adapters.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return doc.IsFalsePositive, nil
}

func (s *FPStore) findingRef(ctx context.Context, ruleID, findingID string) (*firestore.DocumentRef, *fpDoc, error) {
	iter := s.client.Collection(fpCollection).
		Where("findingId", "==", findingID).
		Limit(2).
		Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return nil, nil, adapters.ErrNotFound
		}
		if err != nil {
			return nil, nil, adapters.NewStoreError("firestore-fp", "QueryFailed", err, "findingId", findingID)
		}
		var d fpDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, nil, adapters.NewStoreError("firestore-fp", "DecodeFailed", err, "findingId", findingID)
		}
		if ruleID == "" || d.RuleID == ruleID {
			return snap.Ref, &d, nil
		}
	}
}

func drainEvents(iter *firestore.DocumentIterator) ([]adapters.FPEvent, error) {
	defer iter.Stop()
	var events []adapters.FPEvent
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		var d fpDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, err
		}
		events = append(events, d.event())
	}
}

type counterDoc struct {
	Count     int64     `firestore:"count"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// BlockCounter keeps hourly buckets in Firestore; a transaction gives the
// atomic read-modify-write.
type BlockCounter struct {
	client *firestore.Client
}

func (b *BlockCounter) Increment(ctx context.Context, ruleID, orgID string) (int64, error) {
	now := time.Now()
	ref := b.client.Collection(blockCounterCollection).Doc(adapters.BucketKey(ruleID, orgID, now))

	var count int64
	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		doc := counterDoc{ExpiresAt: now.Add(adapters.BucketTTL)}
		if snap != nil && snap.Exists() {
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
		}
		doc.Count++
		count = doc.Count
		return tx.Set(ref, doc)
	})
	if err != nil {
		return 0, adapters.NewStoreError("firestore-block-counter", "IncrementFailed", err,
			"ruleId", ruleID, "orgId", orgID)
	}
	return count, nil
}

func (b *BlockCounter) Count(ctx context.Context, ruleID, orgID string) (int64, error) {
	now := time.Now()
	snap, err := b.client.Collection(blockCounterCollection).Doc(adapters.BucketKey(ruleID, orgID, now)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, adapters.NewStoreError("firestore-block-counter", "GetFailed", err,
			"ruleId", ruleID, "orgId", orgID)
	}
	var doc counterDoc
	if err := snap.DataTo(&doc); err != nil {
		return 0, adapters.NewStoreError("firestore-block-counter", "DecodeFailed", err,
			"ruleId", ruleID, "orgId", orgID)
	}
	if !doc.ExpiresAt.IsZero() && !now.Before(doc.ExpiresAt) {
		return 0, nil
	}
	return doc.Count, nil
}

func (b *BlockCounter) IsCircuitBroken(ctx context.Context, ruleID, orgID string, threshold int64) (bool, error) {
	n, err := b.Count(ctx, ruleID, orgID)
	if err != nil {
		return false, err
	}
	return n >= threshold, nil
}

func sortInfosDesc(infos []adapters.BaselineInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].ModifiedAt.After(infos[j].ModifiedAt) })
}
