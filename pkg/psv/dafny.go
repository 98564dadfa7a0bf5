package psv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/acgs-2/governance-core/pkg/contracts"
)

// DafnyVerifier runs the external verify stage of the PSV loop over a
// generated Dafny source file.
type DafnyVerifier interface {
	Verify(ctx context.Context, dafnySource string) (contracts.DafnyResult, error)
}

// SubprocessDafnyVerifier shells out to a real `dafny verify` binary:
// write input, exec with a context, collect combined output. A bounded
// semaphore caps how many verifier processes run at once so a
// burst of PSV runs can't fork-bomb the host; ctx cancellation kills the
// in-flight process (exec.CommandContext's standard behavior).
type SubprocessDafnyVerifier struct {
	command string
	args    []string
	sem     chan struct{}
}

// NewSubprocessDafnyVerifier builds a verifier invoking command with args
// plus a generated source file path appended, allowing at most
// maxConcurrent processes to run simultaneously.
func NewSubprocessDafnyVerifier(command string, args []string, maxConcurrent int) *SubprocessDafnyVerifier {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &SubprocessDafnyVerifier{command: command, args: args, sem: make(chan struct{}, maxConcurrent)}
}

// Verify writes dafnySource to a temp file and runs the configured
// verifier binary against it, respecting ctx cancellation/timeout.
func (v *SubprocessDafnyVerifier) Verify(ctx context.Context, dafnySource string) (contracts.DafnyResult, error) {
	select {
	case v.sem <- struct{}{}:
	case <-ctx.Done():
		return contracts.DafnyResult{}, ctx.Err()
	}
	defer func() { <-v.sem }()

	tmp, err := os.CreateTemp("", "policy-*.dfy")
	if err != nil {
		return contracts.DafnyResult{}, fmt.Errorf("psv: create dafny temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(dafnySource); err != nil {
		tmp.Close()
		return contracts.DafnyResult{}, fmt.Errorf("psv: write dafny source: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return contracts.DafnyResult{}, fmt.Errorf("psv: close dafny temp file: %w", err)
	}

	args := append(append([]string{}, v.args...), tmp.Name())
	cmd := exec.CommandContext(ctx, v.command, args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return contracts.DafnyResult{Status: "failed", Output: out.String(), Error: ctx.Err().Error()}, nil
	}
	if errors.Is(runErr, exec.ErrNotFound) {
		// No verifier binary on this host: not a policy failure.
		return contracts.DafnyResult{Status: "unavailable", Output: out.String(), Error: runErr.Error()}, nil
	}
	if runErr != nil {
		return contracts.DafnyResult{Status: "failed", Output: out.String(), Error: runErr.Error()}, nil
	}
	return contracts.DafnyResult{Status: "verified", Output: out.String()}, nil
}

// StubDafnyVerifier is a deterministic, binary-free verifier for tests
// and for environments with no dafny toolchain installed: it "verifies"
// any source containing the postcondition keyword `ensures` and fails
// otherwise.
type StubDafnyVerifier struct {
	AlwaysFail bool
}

func (v StubDafnyVerifier) Verify(ctx context.Context, dafnySource string) (contracts.DafnyResult, error) {
	if v.AlwaysFail {
		return contracts.DafnyResult{Status: "failed", Output: "stub: forced failure", Error: "forced"}, nil
	}
	if !bytes.Contains([]byte(dafnySource), []byte("ensures")) {
		return contracts.DafnyResult{Status: "failed", Output: "stub: no postcondition found"}, nil
	}
	return contracts.DafnyResult{Status: "verified", Output: "stub: postcondition present"}, nil
}

var (
	_ DafnyVerifier = (*SubprocessDafnyVerifier)(nil)
	_ DafnyVerifier = StubDafnyVerifier{}
)
