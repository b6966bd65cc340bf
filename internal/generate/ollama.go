// Package generate runs prompts through a locally hosted language model.
package generate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/califonix/opsqa/internal/logger"
)

const (
	// DefaultBinary is the executable invoked as "<binary> run <model>".
	DefaultBinary = "ollama"

	// DefaultTimeout bounds a single generation.
	DefaultTimeout = 2 * time.Minute

	// killGrace is how long Wait may block on output pipes after the process is killed.
	killGrace = 2 * time.Second
)

// Generator produces a completion for a prompt with the named model.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
}

// FailureKind classifies a generation failure.
type FailureKind string

const (
	KindExitStatus  FailureKind = "exit_status"  // process exited non-zero
	KindEmptyOutput FailureKind = "empty_output" // process succeeded but wrote nothing
	KindInvocation  FailureKind = "invocation"   // process could not be started or piped
	KindTimeout     FailureKind = "timeout"      // generation exceeded the timeout
	KindCanceled    FailureKind = "canceled"     // caller canceled the request
)

// Failure is a labeled generation failure. Its Error text is meant to be shown
// to the user in place of an answer.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Model  string      `json:"model"`
	Detail string      `json:"detail,omitempty"`
}

func (f *Failure) Error() string {
	switch f.Kind {
	case KindExitStatus:
		return "[ERROR] Ollama failed:\n" + f.Detail
	case KindEmptyOutput:
		return "[ERROR] No output received from Ollama."
	case KindTimeout:
		return "[ERROR] Ollama timed out: " + f.Detail
	case KindCanceled:
		return "[ERROR] Ollama call canceled."
	default:
		return "[ERROR] Exception during Ollama call: " + f.Detail
	}
}

// OllamaCLI generates text by running "ollama run <model>" with the prompt on stdin.
type OllamaCLI struct {
	Binary  string
	Timeout time.Duration
	Logger  *logger.Logger
}

// NewOllamaCLI returns an OllamaCLI with default binary and timeout.
func NewOllamaCLI() *OllamaCLI {
	return &OllamaCLI{Binary: DefaultBinary, Timeout: DefaultTimeout}
}

// Generate runs the model and returns its trimmed stdout. Any failure is a *Failure.
func (o *OllamaCLI) Generate(ctx context.Context, prompt, model string) (string, error) {
	log := logger.OrNop(o.Logger)

	binary := o.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binary, "run", model)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = killGrace

	start := time.Now()
	log.Debug("running generation", "binary", binary, "model", model, "prompt_bytes", len(prompt))
	err := cmd.Run()
	log.Debug("generation finished", "model", model, "elapsed", time.Since(start), "err", err)

	if err != nil {
		// Check the caller's context first: a canceled parent also cancels runCtx.
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", &Failure{Kind: KindTimeout, Model: model, Detail: "caller deadline exceeded"}
			}
			return "", &Failure{Kind: KindCanceled, Model: model}
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", &Failure{Kind: KindTimeout, Model: model, Detail: fmt.Sprintf("no answer after %s", timeout)}
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = "Unknown error"
			}
			return "", &Failure{Kind: KindExitStatus, Model: model, Detail: detail}
		}
		return "", &Failure{Kind: KindInvocation, Model: model, Detail: err.Error()}
	}

	answer := strings.TrimSpace(stdout.String())
	if answer == "" {
		return "", &Failure{Kind: KindEmptyOutput, Model: model}
	}
	return answer, nil
}
