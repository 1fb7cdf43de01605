package exec

import (
	"context"
	"fmt"
	"sort"
	"time"

	"g3/pkg/config"
	"g3/pkg/logx"
)

// NewFromConfig selects the executor named by the sandbox configuration.
// Docker must be reachable when requested; there is no silent fallback to
// unsandboxed execution.
func NewFromConfig(ctx context.Context, cfg *config.SandboxConfig) (Executor, error) {
	logger := logx.NewLogger("executor-manager")

	switch cfg.Executor {
	case config.ExecutorLocal:
		logger.Warn("Using local executor - builds will run without sandboxing!")
		return NewLocalExec(), nil

	case config.ExecutorDocker:
		docker := NewDockerExec(cfg.Image)
		if !docker.Available() {
			return nil, fmt.Errorf("docker executor requested but the Docker daemon is not available. Use 'local' explicitly if you want unsandboxed execution")
		}
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if !docker.ImageAvailable(checkCtx) {
			// docker run pulls on demand; the first job pays for it.
			logger.Warn("Docker image %s is not present locally and will be pulled on first use", cfg.Image)
		}
		logger.Info("Using Docker executor with image %s", cfg.Image)
		return docker, nil

	default:
		return nil, fmt.Errorf("unknown executor type: %s", cfg.Executor)
	}
}

// OptsFromConfig translates sandbox configuration into execution options.
func OptsFromConfig(cfg *config.SandboxConfig) Opts {
	opts := DefaultExecOpts()
	opts.Timeout = cfg.Timeout()
	opts.Network = cfg.Network
	opts.TmpfsSize = cfg.TmpfsSize
	opts.ResourceLimits = &ResourceLimits{
		CPUs:   cfg.CPUs,
		Memory: cfg.Memory,
		PIDs:   cfg.PIDs,
	}
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts.Env = append(opts.Env, k+"="+cfg.Env[k])
	}
	return opts
}
