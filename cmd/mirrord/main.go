// Command mirrord runs one Mirror Dissonance analysis over a software
// change event and prints the machine decision as JSON.
//
// Exit codes:
//
//	0 = allow
//	1 = warn
//	2 = block (including an L0 invariant violation)
//	3 = runtime error
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/phasemirror/dissonance/pkg/adapters"
	"github.com/phasemirror/dissonance/pkg/adapters/factory"
	"github.com/phasemirror/dissonance/pkg/calibration"
	"github.com/phasemirror/dissonance/pkg/config"
	"github.com/phasemirror/dissonance/pkg/nonce"
	"github.com/phasemirror/dissonance/pkg/observability"
	"github.com/phasemirror/dissonance/pkg/oracle"
	"github.com/phasemirror/dissonance/pkg/policy"
	"github.com/phasemirror/dissonance/pkg/redact"
	"github.com/phasemirror/dissonance/pkg/rules"
)

const defaultNonceParameter = "/pmd/redaction/nonce/v1"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mirrord", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath    string
		inputPath     string
		rulesPath     string
		otlp          string
		calibrateRule string
	)
	cmd.StringVar(&configPath, "config", "", "Optional YAML config file (env vars still win)")
	cmd.StringVar(&inputPath, "input", "-", "Event JSON file, or - for stdin")
	cmd.StringVar(&rulesPath, "rules", "", "Optional JSON file of CEL rule definitions")
	cmd.StringVar(&otlp, "otlp", "", "OTLP gRPC endpoint; enables trace/metric export")
	cmd.StringVar(&calibrateRule, "calibrate", "", "Run consensus FP-rate calibration for the given rule instead of an analysis")
	if err := cmd.Parse(args); err != nil {
		return 3
	}

	// A missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	setupLogging(cfg.LogLevel, stderr)

	ctx := context.Background()

	if otlp != "" {
		obs, err := observability.New(ctx, &observability.Config{
			ServiceName:    "mirror-dissonance-oracle",
			ServiceVersion: "1.0.0",
			Environment:    "production",
			OTLPEndpoint:   otlp,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
			Insecure:       true,
		})
		if err != nil {
			fmt.Fprintf(stderr, "Error: telemetry init: %v\n", err)
			return 3
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	stores, err := factory.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open adapters: %v\n", err)
		return 3
	}

	if calibrateRule != "" {
		return runCalibration(ctx, stores, cfg, calibrateRule, stdout, stderr)
	}

	cache := nonce.NewCache(nonce.WithTTL(time.Duration(cfg.NonceTTLMS) * time.Millisecond))
	param := cfg.NonceParameterName
	if param == "" {
		param = defaultNonceParameter
	}
	if err := cache.Load(ctx, stores.Secrets.GetNonce, param); err != nil {
		// The oracle strips evidence and marks the report degraded when no
		// nonce is available; the decision itself is unaffected.
		slog.Warn("nonce load failed, evidence will be stripped", "param", param, "error", err)
	}

	registry, err := buildRegistry(stores, rulesPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}

	o := oracle.New(registry, stores, cache, oracle.Options{
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		RedactionPatterns:       defaultPatterns,
	})

	raw, err := readInput(inputPath, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	in, err := oracle.DecodeInput(raw)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid input: %v\n", err)
		return 3
	}
	if cfg.StrictMode {
		in.Strict = true
	}
	if cfg.DryRun {
		in.DryRun = true
	}

	out, err := o.Analyze(ctx, in)
	if err != nil {
		var ive *oracle.InvariantViolationError
		if errors.As(err, &ive) {
			fmt.Fprintf(stderr, "Invariant violation: %s\n", strings.Join(ive.Result.FailedChecks, ", "))
			return 2
		}
		fmt.Fprintf(stderr, "Error: analysis failed: %v\n", err)
		return 3
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "Error: encode output: %v\n", err)
		return 3
	}

	switch out.MachineDecision.Outcome {
	case policy.OutcomeAllow:
		return 0
	case policy.OutcomeWarn:
		return 1
	default:
		return 2
	}
}

// runCalibration computes and prints the consensus FP rate for one rule.
// Uniform reputation: without an external trust source every contributing
// organization weighs the same, so only the statistical filters apply.
func runCalibration(ctx context.Context, stores adapters.Set, cfg config.Config, ruleID string, stdout, stderr io.Writer) int {
	cal := calibration.New(stores.FPStore, stores.Calibration, uniformReputation{}, nil, calibration.Config{
		ReputationPercentile: cfg.ByzantineFilterPercentile,
		ZScoreThreshold:      cfg.ZScoreThreshold,
		KAnonymity:           cfg.KAnonymityThreshold,
		MinSampleForOutlier:  calibration.DefaultConfig().MinSampleForOutlier,
	})
	result, err := cal.AggregateFPRate(ctx, ruleID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: calibration failed: %v\n", err)
		return 3
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(stderr, "Error: encode result: %v\n", err)
		return 3
	}
	return 0
}

// uniformReputation weighs every organization equally and discards
// consistency feedback.
type uniformReputation struct{}

func (uniformReputation) CalculateContributionWeight(context.Context, string) (calibration.Weight, error) {
	return calibration.Weight{Weight: 1, ReputationScore: 1}, nil
}

func (uniformReputation) UpdateConsistencyScore(context.Context, string, float64) error {
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}

// defaultPatterns scrub the usual credential shapes from evidence snippets
// before branding.
var defaultPatterns = []redact.Pattern{
	redact.MustPattern(`AKIA[0-9A-Z]{16}`, "[REDACTED_AWS_KEY]"),
	redact.MustPattern(`(?i)bearer\s+[a-z0-9._\-]{16,}`, "[REDACTED_TOKEN]"),
	redact.MustPattern(`ghp_[A-Za-z0-9]{36}`, "[REDACTED_GH_TOKEN]"),
	redact.MustPattern(`(?i)(api[_-]?key|secret|password)\s*[:=]\s*\S+`, "$1=[REDACTED]"),
	redact.MustPattern(`-----BEGIN [A-Z ]*PRIVATE KEY-----`, "[REDACTED_PRIVATE_KEY]"),
}

// ruleDef is one entry of the -rules file.
type ruleDef struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Expr     string `json:"expr"`
}

// buildRegistry registers the built-in rules, the drift rule, and any
// CEL rules from the definitions file.
func buildRegistry(stores adapters.Set, rulesPath string) (*rules.Registry, error) {
	registry := rules.NewRegistry()
	for _, c := range builtinRules() {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register builtin: %w", err)
		}
	}
	if stores.Baselines != nil {
		if err := registry.Register(rules.NewDriftChecker("pmd.drift", "1.0.0", stores.Baselines)); err != nil {
			return nil, fmt.Errorf("register drift rule: %w", err)
		}
	}
	if rulesPath == "" {
		return registry, nil
	}

	raw, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", rulesPath, err)
	}
	var defs []ruleDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", rulesPath, err)
	}
	for _, d := range defs {
		if d.ID == "" || d.Expr == "" {
			return nil, fmt.Errorf("rules %s: every rule needs id and expr", rulesPath)
		}
		sev := rules.Severity(d.Severity)
		switch sev {
		case rules.SeverityCritical, rules.SeverityHigh, rules.SeverityMedium, rules.SeverityLow:
		case "":
			sev = rules.SeverityMedium
		default:
			return nil, fmt.Errorf("rules %s: rule %s has unknown severity %q", rulesPath, d.ID, d.Severity)
		}
		version := d.Version
		if version == "" {
			version = "1.0.0"
		}
		message := d.Message
		if message == "" {
			message = fmt.Sprintf("rule %s failed", d.ID)
		}
		if err := registry.Register(rules.NewCELChecker(d.ID, version, d.Expr, sev, message)); err != nil {
			return nil, fmt.Errorf("register %s: %w", d.ID, err)
		}
	}
	return registry, nil
}

// builtinRules are hygiene checks every event passes through regardless of
// the deployment's rule file.
func builtinRules() []rules.Checker {
	return []rules.Checker{
		rules.NewCELChecker(
			"pmd.commit-metadata", "1.0.0",
			`mode != "pull_request" || (event.commitSha != "" && event.author != "")`,
			rules.SeverityMedium,
			"pull request event is missing commit metadata"),
		rules.NewCELChecker(
			"pmd.org-scope", "1.0.0",
			`event.orgId != ""`,
			rules.SeverityLow,
			"event carries no organization scope; calibration and breaker state will pool globally"),
	}
}
