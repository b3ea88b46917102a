package sandbox

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ProcessBackend adapts ProcessSandbox into an ExecutorBackend: the
// capability token's claims (not local Config.AllowedBins) now govern what
// a given invocation is permitted to touch. Config.AllowedBins still bounds
// the universe of binaries this gateway instance will ever shell out to;
// Claims narrows it per-task.
type ProcessBackend struct {
	sandbox *ProcessSandbox
	logger  *zap.Logger
}

// NewProcessBackend wraps an existing ProcessSandbox as the default
// ExecutorBackend.
func NewProcessBackend(sandbox *ProcessSandbox, logger *zap.Logger) *ProcessBackend {
	return &ProcessBackend{sandbox: sandbox, logger: logger.With(zap.String("component", "process-backend"))}
}

// Run executes task.Command/Args under the sandbox, honoring the token's
// network policy (network=none withholds proxy env vars and rejects
// network-declaring commands outright for non-web executor types) and
// mount claims (file paths outside any claimed mount are rejected before
// exec).
func (b *ProcessBackend) Run(ctx context.Context, task Task, claims Claims) (ExecutorResult, error) {
	if err := checkMounts(task, claims); err != nil {
		return ExecutorResult{Success: false, Error: err.Error()}, nil
	}

	// Scope the network policy to this call's ctx rather than mutating the
	// shared ProcessSandbox's Config: Dispatcher may run Run concurrently
	// for tasks with different claims.Network.Mode.
	ctx = WithNetworkEnabled(ctx, claims.Network.Mode != "none")

	var (
		res *Result
		err error
	)
	if task.Command == "bash" && len(task.Args) == 2 && task.Args[0] == "-c" {
		res, err = b.sandbox.ExecuteShell(ctx, task.Args[1])
	} else {
		res, err = b.sandbox.Execute(ctx, task.Command, task.Args)
	}

	if res == nil {
		return ExecutorResult{}, err
	}

	out := ExecutorResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Success:  err == nil && res.ExitCode == 0,
	}
	if err != nil && !res.Killed {
		out.Error = err.Error()
	}
	if res.Killed {
		out.Error = "timeout"
	}
	return out, nil
}

// checkMounts rejects tasks whose declared working path falls outside
// every mount the capability token claims, using simple prefix containment
// — the spec explicitly forbids path canonicalisation tricks elsewhere
// (the classifier's glob matcher), and the same literal-prefix philosophy
// applies here: a caller cannot escape a mount via "..".
func checkMounts(task Task, claims Claims) error {
	path, ok := task.Payload["path"].(string)
	if !ok || path == "" {
		return nil
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path must not contain '..' segments: %s", path)
	}
	if len(claims.Mounts) == 0 {
		return nil
	}
	for _, m := range claims.Mounts {
		if strings.HasPrefix(path, m.ContainerPath) {
			return nil
		}
	}
	return fmt.Errorf("path %s is outside all claimed mounts", path)
}
