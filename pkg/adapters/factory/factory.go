// Package factory selects and constructs an adapter set from
// configuration. Provider polymorphism is compile-time: each family
// implements the adapter interfaces directly and the factory only
// switches on the provider enum.
package factory

import (
	"context"
	"fmt"

	"github.com/phasemirror/dissonance/pkg/adapters"
	"github.com/phasemirror/dissonance/pkg/adapters/awsstore"
	"github.com/phasemirror/dissonance/pkg/adapters/gcpstore"
	"github.com/phasemirror/dissonance/pkg/adapters/localstore"
	"github.com/phasemirror/dissonance/pkg/adapters/redisstore"
	"github.com/phasemirror/dissonance/pkg/config"
)

// Open builds the adapter set for the configured provider. The oracle
// provider reuses the AWS family against OCI's S3-compatibility endpoint,
// which config validation guarantees is set. A configured Redis address
// replaces the family's block counter for any provider.
func Open(ctx context.Context, cfg config.Config) (adapters.Set, error) {
	provider, err := adapters.ParseProvider(cfg.Provider)
	if err != nil {
		return adapters.Set{}, err
	}

	var set adapters.Set
	switch provider {
	case adapters.ProviderLocal:
		set, err = localstore.Open(cfg.LocalDataDir)
	case adapters.ProviderAWS, adapters.ProviderOracle:
		set, err = awsstore.Open(ctx, awsstore.Config{
			Region:            cfg.Region,
			Endpoint:          cfg.Endpoint,
			FPTable:           cfg.FPTableName,
			ConsentTable:      cfg.ConsentTableName,
			BlockCounterTable: cfg.BlockCounterTableName,
			CalibrationTable:  cfg.CalibrationTableName,
			NonceParameter:    cfg.NonceParameterName,
			BaselineBucket:    cfg.BaselineBucket,
			BaselinePrefix:    cfg.BaselinePrefix,
		})
	case adapters.ProviderGCP:
		set, err = gcpstore.Open(ctx, gcpstore.Config{
			ProjectID:      cfg.GCPProjectID,
			BaselineBucket: cfg.BaselineBucket,
			BaselinePrefix: cfg.BaselinePrefix,
		})
	default:
		return adapters.Set{}, fmt.Errorf("factory: unhandled provider %q", provider)
	}
	if err != nil {
		return adapters.Set{}, err
	}

	if cfg.RedisAddr != "" {
		set.BlockCounter = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	return set, nil
}
