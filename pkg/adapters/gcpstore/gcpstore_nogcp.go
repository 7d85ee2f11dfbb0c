//go:build !gcp

package gcpstore

import (
	"context"
	"errors"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// ErrNotCompiledIn is returned when the binary was built without the gcp
// build tag.
var ErrNotCompiledIn = errors.New("gcpstore: built without gcp support, rebuild with -tags gcp")

// Open always fails in builds without the gcp tag.
func Open(context.Context, Config) (adapters.Set, error) {
	return adapters.Set{}, ErrNotCompiledIn
}
