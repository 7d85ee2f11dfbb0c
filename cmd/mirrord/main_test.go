package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasemirror/dissonance/pkg/adapters"
	"github.com/phasemirror/dissonance/pkg/adapters/localstore"
	"github.com/phasemirror/dissonance/pkg/oracle"
	"github.com/phasemirror/dissonance/pkg/policy"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func testLocalSet(t *testing.T) adapters.Set {
	t.Helper()
	set, err := localstore.Open(t.TempDir())
	require.NoError(t, err)
	return set
}

func TestRun_AllowExitsZero(t *testing.T) {
	t.Setenv("LOCAL_DATA_DIR", t.TempDir())
	in := strings.NewReader(`{"mode":"drift","context":{"orgId":"org-1"}}`)
	var out, errBuf bytes.Buffer

	code := run([]string{"-input", "-"}, in, &out, &errBuf)
	require.Equal(t, 0, code, errBuf.String())

	var decoded oracle.Output
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, policy.OutcomeAllow, decoded.MachineDecision.Outcome)
}

func TestRun_WarnOnMissingCommitMetadata(t *testing.T) {
	t.Setenv("LOCAL_DATA_DIR", t.TempDir())
	in := strings.NewReader(`{"mode":"pull_request","context":{"orgId":"org-1"}}`)
	var out, errBuf bytes.Buffer

	code := run([]string{"-input", "-"}, in, &out, &errBuf)
	require.Equal(t, 1, code, errBuf.String())

	var decoded oracle.Output
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, policy.OutcomeWarn, decoded.MachineDecision.Outcome)
	assert.Equal(t, 1, decoded.Report.ViolationsFound)
}

func TestRun_StrictModeBlocks(t *testing.T) {
	t.Setenv("LOCAL_DATA_DIR", t.TempDir())
	t.Setenv("PMD_STRICT_MODE", "true")
	in := strings.NewReader(`{"mode":"pull_request","context":{"orgId":"org-1"}}`)
	var out, errBuf bytes.Buffer

	code := run([]string{"-input", "-"}, in, &out, &errBuf)
	require.Equal(t, 2, code, errBuf.String())

	var decoded oracle.Output
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, policy.OutcomeBlock, decoded.MachineDecision.Outcome)
}

func TestRun_InvalidInput(t *testing.T) {
	t.Setenv("LOCAL_DATA_DIR", t.TempDir())
	var out, errBuf bytes.Buffer

	code := run([]string{"-input", "-"}, strings.NewReader(`{"mode":"nope"}`), &out, &errBuf)
	assert.Equal(t, 3, code)
	assert.Contains(t, errBuf.String(), "invalid input")
}

func TestBuildRegistry_RulesFile(t *testing.T) {
	t.Setenv("LOCAL_DATA_DIR", t.TempDir())
	dir := t.TempDir()
	path := dir + "/rules.json"
	require.NoError(t, writeFile(path, `[
		{"id": "org.no-bots", "severity": "high", "message": "bot authors are not allowed",
		 "expr": "!event.author.endsWith('[bot]')"}
	]`))

	in := strings.NewReader(`{"mode":"pull_request","context":{"orgId":"org-1","commitSha":"abc123","author":"renovate[bot]"}}`)
	var out, errBuf bytes.Buffer
	code := run([]string{"-input", "-", "-rules", path}, in, &out, &errBuf)
	require.Equal(t, 1, code, errBuf.String())

	var decoded oracle.Output
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded.Violations, 1)
	assert.Equal(t, "org.no-bots", decoded.Violations[0].RuleID)
}

func TestRun_CalibrateInsufficientData(t *testing.T) {
	t.Setenv("LOCAL_DATA_DIR", t.TempDir())
	var out, errBuf bytes.Buffer

	code := run([]string{"-calibrate", "rule-x"}, strings.NewReader(""), &out, &errBuf)
	require.Equal(t, 0, code, errBuf.String())

	var result adapters.CalibrationResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, adapters.CalibrationInsufficientKAnonymity, result.Status)
	assert.Equal(t, "rule-x", result.RuleID)
}

func TestBuildRegistry_BadSeverity(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/rules.json"
	require.NoError(t, writeFile(path, `[{"id": "x", "severity": "fatal", "expr": "true"}]`))

	_, err := buildRegistry(testLocalSet(t), path)
	assert.ErrorContains(t, err, "unknown severity")
}
