//go:build gcp

package gcpstore

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

type consentDoc struct {
	OrgID     string     `firestore:"orgId"`
	RepoID    string     `firestore:"repoId"`
	Feature   string     `firestore:"feature"`
	Granted   bool       `firestore:"granted"`
	GrantedAt time.Time  `firestore:"grantedAt"`
	GrantedBy string     `firestore:"grantedBy"`
	ExpiresAt *time.Time `firestore:"expiresAt"`
	RevokedAt *time.Time `firestore:"revokedAt"`
	RevokedBy string     `firestore:"revokedBy"`
	Resources []string   `firestore:"resources"`
}

func (d consentDoc) consent() adapters.Consent {
	return adapters.Consent{
		OrgID:     d.OrgID,
		RepoID:    d.RepoID,
		Feature:   d.Feature,
		Granted:   d.Granted,
		GrantedAt: d.GrantedAt,
		GrantedBy: d.GrantedBy,
		ExpiresAt: d.ExpiresAt,
		RevokedAt: d.RevokedAt,
		RevokedBy: d.RevokedBy,
		Resources: d.Resources,
	}
}

// ConsentStore keeps one document per (orgId, feature) pair.
type ConsentStore struct {
	client *firestore.Client
}

func consentDocID(orgID, feature string) string { return orgID + "#" + feature }

func (s *ConsentStore) CheckResourceConsent(ctx context.Context, orgID, feature string) (bool, error) {
	snap, err := s.client.Collection(consentCollection).Doc(consentDocID(orgID, feature)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, adapters.NewStoreError("firestore-consent", "GetFailed", err, "orgId", orgID)
	}
	var d consentDoc
	if err := snap.DataTo(&d); err != nil {
		return false, adapters.NewStoreError("firestore-consent", "DecodeFailed", err, "orgId", orgID)
	}
	return d.consent().Holds(time.Now(), feature), nil
}

func (s *ConsentStore) GrantConsent(ctx context.Context, orgID, feature, grantedBy string, expiresAt *time.Time) error {
	_, err := s.client.Collection(consentCollection).Doc(consentDocID(orgID, feature)).Set(ctx, consentDoc{
		OrgID:     orgID,
		Feature:   feature,
		Granted:   true,
		GrantedAt: time.Now().UTC(),
		GrantedBy: grantedBy,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return adapters.NewStoreError("firestore-consent", "SetFailed", err, "orgId", orgID, "feature", feature)
	}
	return nil
}

func (s *ConsentStore) RevokeConsent(ctx context.Context, orgID, feature, revokedBy string) error {
	now := time.Now().UTC()
	_, err := s.client.Collection(consentCollection).Doc(consentDocID(orgID, feature)).Update(ctx, []firestore.Update{
		{Path: "revokedAt", Value: &now},
		{Path: "revokedBy", Value: revokedBy},
	})
	if status.Code(err) == codes.NotFound {
		return adapters.ErrNotFound
	}
	if err != nil {
		return adapters.NewStoreError("firestore-consent", "UpdateFailed", err, "orgId", orgID, "feature", feature)
	}
	return nil
}

func (s *ConsentStore) ConsentSummary(ctx context.Context, orgID string) ([]adapters.Consent, error) {
	iter := s.client.Collection(consentCollection).Where("orgId", "==", orgID).Documents(ctx)
	defer iter.Stop()
	var consents []adapters.Consent
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return consents, nil
		}
		if err != nil {
			return nil, adapters.NewStoreError("firestore-consent", "QueryFailed", err, "orgId", orgID)
		}
		var d consentDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, adapters.NewStoreError("firestore-consent", "DecodeFailed", err, "orgId", orgID)
		}
		consents = append(consents, d.consent())
	}
}

func (s *ConsentStore) CheckMultipleResources(ctx context.Context, orgID string, features []string) (map[string]bool, error) {
	out := make(map[string]bool, len(features))
	for _, f := range features {
		ok, err := s.CheckResourceConsent(ctx, orgID, f)
		if err != nil {
			return nil, err
		}
		out[f] = ok
	}
	return out, nil
}

var secretVersionSuffix = regexp.MustCompile(`^(.*v)(\d+)$`)

// SecretStore serves nonce material from Secret Manager. Parameter names
// are secret IDs with a version suffix, e.g. pmd-redaction-nonce-v3.
type SecretStore struct {
	client  *secretmanager.Client
	project string
}

func (s *SecretStore) GetNonce(ctx context.Context, paramName string) (string, error) {
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.project, paramName),
	})
	if err != nil {
		return "", adapters.NewStoreError("secret-manager", "AccessFailed", err, "param", paramName)
	}
	return string(resp.Payload.Data), nil
}

func (s *SecretStore) RotateNonce(ctx context.Context, paramName, newValue string) (string, error) {
	m := secretVersionSuffix.FindStringSubmatch(paramName)
	if m == nil {
		return "", fmt.Errorf("gcpstore: secret %q has no version suffix", paramName)
	}
	current, err := strconv.Atoi(m[2])
	if err != nil {
		return "", fmt.Errorf("gcpstore: secret %q version: %w", paramName, err)
	}
	next := fmt.Sprintf("%s%d", m[1], current+1)

	_, err = s.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + s.project,
		SecretId: next,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return "", adapters.NewStoreError("secret-manager", "CreateFailed", err, "param", next)
	}
	_, err = s.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  fmt.Sprintf("projects/%s/secrets/%s", s.project, next),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(newValue)},
	})
	if err != nil {
		return "", adapters.NewStoreError("secret-manager", "AddVersionFailed", err, "param", next)
	}
	return next, nil
}

func (s *SecretStore) IsReachable(ctx context.Context) bool {
	iter := s.client.ListSecrets(ctx, &secretmanagerpb.ListSecretsRequest{
		Parent:   "projects/" + s.project,
		PageSize: 1,
	})
	_, err := iter.Next()
	return err == nil || err == iterator.Done
}

// BaselineStore keeps drift baselines as GCS objects; object generations
// provide the version trail.
type BaselineStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func (s *BaselineStore) GetBaseline(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.prefix + key).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, nil
	}
	if err != nil {
		return nil, adapters.NewStoreError("gcs-baselines", "GetFailed", err, "key", key)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, adapters.NewStoreError("gcs-baselines", "ReadFailed", err, "key", key)
	}
	return data, nil
}

func (s *BaselineStore) PutBaseline(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.prefix + key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return adapters.NewStoreError("gcs-baselines", "WriteFailed", err, "key", key)
	}
	if err := w.Close(); err != nil {
		return adapters.NewStoreError("gcs-baselines", "CloseFailed", err, "key", key)
	}
	return nil
}

func (s *BaselineStore) ListBaselines(ctx context.Context) ([]adapters.BaselineInfo, error) {
	iter := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	var infos []adapters.BaselineInfo
	for {
		attrs, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, adapters.NewStoreError("gcs-baselines", "ListFailed", err)
		}
		infos = append(infos, adapters.BaselineInfo{
			Key:        attrs.Name[len(s.prefix):],
			Version:    strconv.FormatInt(attrs.Generation, 10),
			ModifiedAt: attrs.Updated,
		})
	}
	sortInfosDesc(infos)
	return infos, nil
}

func (s *BaselineStore) DeleteBaseline(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(s.prefix + key).Delete(ctx); err != nil {
		return adapters.NewStoreError("gcs-baselines", "DeleteFailed", err, "key", key)
	}
	return nil
}

type calDoc struct {
	RuleID             string                 `firestore:"ruleId"`
	Status             string                 `firestore:"status"`
	ConsensusFPRate    float64                `firestore:"consensusFpRate"`
	Contributors       int                    `firestore:"contributors"`
	EventCount         int                    `firestore:"eventCount"`
	Confidence         float64                `firestore:"confidence"`
	ConfidenceCategory string                 `firestore:"confidenceCategory"`
	FilterSummary      adapters.FilterSummary `firestore:"filterSummary"`
	ComputedAt         time.Time              `firestore:"computedAt"`
}

// CalibrationStore keeps the latest consensus result per rule.
type CalibrationStore struct {
	client *firestore.Client
}

func (s *CalibrationStore) StoreCalibrationResult(ctx context.Context, result adapters.CalibrationResult) error {
	_, err := s.client.Collection(calibrationCollection).Doc(result.RuleID).Set(ctx, calDoc(result))
	if err != nil {
		return adapters.NewStoreError("firestore-calibration", "SetFailed", err, "ruleId", result.RuleID)
	}
	return nil
}

func (s *CalibrationStore) GetCalibrationResult(ctx context.Context, ruleID string) (*adapters.CalibrationResult, error) {
	snap, err := s.client.Collection(calibrationCollection).Doc(ruleID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, adapters.ErrNotFound
	}
	if err != nil {
		return nil, adapters.NewStoreError("firestore-calibration", "GetFailed", err, "ruleId", ruleID)
	}
	var d calDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, adapters.NewStoreError("firestore-calibration", "DecodeFailed", err, "ruleId", ruleID)
	}
	result := adapters.CalibrationResult(d)
	return &result, nil
}

func (s *CalibrationStore) AllCalibrationResults(ctx context.Context) ([]adapters.CalibrationResult, error) {
	iter := s.client.Collection(calibrationCollection).Documents(ctx)
	defer iter.Stop()
	var results []adapters.CalibrationResult
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return results, nil
		}
		if err != nil {
			return nil, adapters.NewStoreError("firestore-calibration", "QueryFailed", err)
		}
		var d calDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, adapters.NewStoreError("firestore-calibration", "DecodeFailed", err)
		}
		results = append(results, adapters.CalibrationResult(d))
	}
}
