package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/phasemirror/dissonance/pkg/invariant"
)

// Recognized analysis modes.
const (
	ModePullRequest = "pull_request"
	ModeMergeGroup  = "merge_group"
	ModeDrift       = "drift"
	ModeCalibration = "calibration"
)

// InputContext identifies the software-change event under analysis.
type InputContext struct {
	RepositoryName string `json:"repositoryName,omitempty"`
	PRNumber       int    `json:"prNumber,omitempty"`
	CommitSha      string `json:"commitSha,omitempty"`
	Branch         string `json:"branch,omitempty"`
	Author         string `json:"author,omitempty"`
	OrgID          string `json:"orgId,omitempty"`
}

// Input is one analysis request. State, when present, is gated through the
// L0 invariant check before anything else runs.
type Input struct {
	Mode         string           `json:"mode"`
	Strict       bool             `json:"strict,omitempty"`
	DryRun       bool             `json:"dryRun,omitempty"`
	BaselineFile string           `json:"baselineFile,omitempty"`
	State        *invariant.State `json:"state,omitempty"`
	Context      InputContext     `json:"context"`
}

// Report carries the aggregate numbers machine consumers chart.
type Report struct {
	RulesChecked    int  `json:"rulesChecked"`
	ViolationsFound int  `json:"violationsFound"`
	CriticalIssues  int  `json:"criticalIssues"`
	// Degraded is set when an adapter fault forced a fail-closed fallback
	// somewhere on the path. The decision itself is still authoritative.
	Degraded bool `json:"degraded,omitempty"`
}

const inputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["mode"],
  "properties": {
    "mode": {"enum": ["pull_request", "merge_group", "drift", "calibration"]},
    "strict": {"type": "boolean"},
    "dryRun": {"type": "boolean"},
    "baselineFile": {"type": "string"},
    "state": {"type": "object"},
    "context": {
      "type": "object",
      "properties": {
        "repositoryName": {"type": "string"},
        "prNumber": {"type": "integer", "minimum": 0},
        "commitSha": {"type": "string"},
        "branch": {"type": "string"},
        "author": {"type": "string"},
        "orgId": {"type": "string"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var inputSchema = jsonschema.MustCompileString("oracle-input.json", inputSchemaJSON)

// DecodeInput validates raw against the input schema and unmarshals it.
func DecodeInput(raw []byte) (*Input, error) {
	var loose any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("oracle: parse input: %w", err)
	}
	if err := inputSchema.Validate(loose); err != nil {
		return nil, fmt.Errorf("oracle: invalid input: %w", err)
	}
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("oracle: parse input: %w", err)
	}
	return &in, nil
}

// InvariantViolationError is fatal for the offending state: nothing about
// it may be persisted or acted on.
type InvariantViolationError struct {
	Result invariant.Result
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("oracle: invariant violation: %s", strings.Join(e.Result.FailedChecks, ", "))
}
