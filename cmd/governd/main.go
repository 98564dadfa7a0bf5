package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/acgs-2/governance-core/pkg/audit"
	"github.com/acgs-2/governance-core/pkg/config"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/deliberation"
	"github.com/acgs-2/governance-core/pkg/governance"
	"github.com/acgs-2/governance-core/pkg/psv"
	"github.com/acgs-2/governance-core/pkg/router"
	"github.com/acgs-2/governance-core/pkg/scorer"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// core bundles every component wired together against a single
// configuration, the composition root for every CLI subcommand.
type core struct {
	cfg     *config.Config
	ledger  *audit.Ledger
	scorer  *scorer.Scorer
	router  *router.Router
	queue   *deliberation.Queue
	engine  *governance.Engine
	sagaDir string
	log     *slog.Logger
}

func newCore(cfg *config.Config) *core {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	ledger := audit.New()
	sc := scorer.New()
	rt := router.New(cfg.RouterInitialThreshold, router.WithAuditLedger(ledger))
	q := deliberation.New(deliberation.WithAuditLedger(ledger))
	return &core{
		cfg:    cfg,
		ledger: ledger,
		scorer: sc,
		router: rt,
		queue:  q,
		engine: governance.New(sc, rt, q, ledger,
			governance.WithLogger(logger),
			governance.WithDeliberationTimeout(cfg.DeliberationDefaultTimeout)),
		sagaDir: cfg.SagaStatePath,
		log:     logger,
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 0
	}

	cfg := config.Load()
	c := newCore(cfg)

	switch args[1] {
	case "route":
		return c.runRoute(args[2:], stdout, stderr)
	case "audit":
		return c.runAudit(args[2:], stdout, stderr)
	case "psv":
		return c.runPSV(args[2:], stdout, stderr)
	case "doctor":
		return c.runDoctor(stdout)
	case "version":
		fmt.Fprintln(stdout, "governd v0.1.0")
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "governd — constitutional governance core CLI")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  governd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  route     Score and route a message read from stdin as JSON")
	fmt.Fprintln(w, "  audit     Print the in-process audit ledger's chain verification status")
	fmt.Fprintln(w, "  psv       Run the Propose-Solve-Verify loop over a policy specification")
	fmt.Fprintln(w, "  doctor    Check configuration and constitutional hash")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
}

func (c *core) runRoute(args []string, stdout, stderr io.Writer) int {
	var msg contracts.Message
	if err := json.NewDecoder(os.Stdin).Decode(&msg); err != nil {
		fmt.Fprintf(stderr, "route: decode message: %v\n", err)
		return 1
	}
	if msg.ConstitutionalHash == "" {
		msg.ConstitutionalHash = config.ConstitutionalHash
	}

	ctx := context.Background()
	outcome, err := c.engine.Process(ctx, &msg, scorer.RequestContext{LocalHour: time.Now().Hour()})
	out, _ := json.MarshalIndent(outcome, "", "  ")
	fmt.Fprintln(stdout, string(out))
	if err != nil {
		fmt.Fprintf(stderr, "route: %v\n", err)
		return 1
	}
	return 0
}

func (c *core) runAudit(args []string, stdout, stderr io.Writer) int {
	ok, reason := c.ledger.VerifyChain()
	out, _ := json.MarshalIndent(map[string]any{
		"entries":    c.ledger.Len(),
		"head":       c.ledger.Head(),
		"chain_ok":   ok,
		"bad_reason": reason,
	}, "", "  ")
	fmt.Fprintln(stdout, string(out))
	if !ok {
		return 1
	}
	return 0
}

func (c *core) runPSV(args []string, stdout, stderr io.Writer) int {
	var spec contracts.PolicySpecification
	if err := json.NewDecoder(os.Stdin).Decode(&spec); err != nil {
		fmt.Fprintf(stderr, "psv: decode specification: %v\n", err)
		return 1
	}
	if spec.ConstitutionalHash == "" {
		spec.ConstitutionalHash = config.ConstitutionalHash
	}

	verifier := psv.NewSubprocessDafnyVerifier("dafny", []string{"verify"}, c.cfg.VerifierMaxConcurrent)
	gen := psv.New(verifier, psv.WithMaxIterations(c.cfg.PSVMaxIterations), psv.WithAuditLedger(c.ledger))
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.VerifierTimeout)
	defer cancel()
	policy, err := gen.Run(ctx, spec)
	if err != nil {
		fmt.Fprintf(stderr, "psv: %v\n", err)
		return 1
	}

	out, _ := json.MarshalIndent(policy, "", "  ")
	fmt.Fprintln(stdout, string(out))
	return 0
}

func (c *core) runDoctor(stdout io.Writer) int {
	fmt.Fprintf(stdout, "profile:                 %s\n", c.cfg.Profile)
	fmt.Fprintf(stdout, "constitutional hash:     %s\n", config.ConstitutionalHash)
	fmt.Fprintf(stdout, "router threshold:        %.2f\n", c.cfg.RouterInitialThreshold)
	fmt.Fprintf(stdout, "deliberation timeout:    %s\n", c.cfg.DeliberationDefaultTimeout)
	fmt.Fprintf(stdout, "psv max iterations:      %d\n", c.cfg.PSVMaxIterations)
	fmt.Fprintf(stdout, "verifier timeout:        %s\n", c.cfg.VerifierTimeout)
	fmt.Fprintf(stdout, "insecure kms fallback:   %v\n", c.cfg.AllowInsecureLocalFallback)
	return 0
}
