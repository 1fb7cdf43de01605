package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"g3/pkg/logx"
	"g3/pkg/utils"
)

// DockerExec runs each job in one long-lived container with the workspace
// bind-mounted at /workspace. Commands are issued with docker exec.
type DockerExec struct {
	logger    *logx.Logger
	image     string
	dockerCmd string
}

const workspaceDir = "/workspace"

// NewDockerExec creates a new Docker executor.
func NewDockerExec(image string) *DockerExec {
	return &DockerExec{
		logger:    logx.NewLogger("docker-exec"),
		image:     image,
		dockerCmd: detectDockerCommand(),
	}
}

// detectDockerCommand prefers docker and falls back to podman.
func detectDockerCommand() string {
	if _, err := exec.LookPath("docker"); err == nil {
		return "docker"
	}
	if _, err := exec.LookPath("podman"); err == nil {
		return "podman"
	}
	return "docker"
}

// Name returns the executor type name.
func (d *DockerExec) Name() ExecutorType {
	return ExecutorTypeDocker
}

// Available checks if Docker is available and the daemon is running.
func (d *DockerExec) Available() bool {
	if _, err := exec.LookPath(d.dockerCmd); err != nil {
		d.logger.Debug("Docker command not found: %v", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.dockerCmd, "info")
	if err := cmd.Run(); err != nil {
		d.logger.Debug("Docker daemon not available: %v", err)
		return false
	}

	return true
}

// ImageAvailable reports whether the configured image is present locally.
func (d *DockerExec) ImageAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, d.dockerCmd, "image", "inspect", d.image)
	return cmd.Run() == nil
}

// Start creates the job's container, replacing any leftover one with the same name.
func (d *DockerExec) Start(ctx context.Context, jobID string, opts *Opts) (string, error) {
	if opts == nil || opts.WorkDir == "" {
		return "", fmt.Errorf("docker executor requires a working directory")
	}

	containerName := utils.ContainerName(jobID)

	// A container with this name can survive a crashed process.
	rmCmd := exec.CommandContext(ctx, d.dockerCmd, "rm", "-f", containerName)
	if err := rmCmd.Run(); err != nil {
		d.logger.Debug("No stale container %s to remove: %v", containerName, err)
	}

	args, err := d.buildRunArgs(containerName, jobID, opts)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, d.dockerCmd, args...)
	_, stderr, err := d.executeCommand(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to start container %s: %w: %s", containerName, err, strings.TrimSpace(stderr))
	}

	d.logger.Info("📦 Container started: %s (job: %s, image: %s)", containerName, jobID, d.image)
	return containerName, nil
}

// buildRunArgs constructs the docker run command arguments.
func (d *DockerExec) buildRunArgs(containerName, jobID string, opts *Opts) ([]string, error) {
	args := []string{"run", "-d", "--name", containerName, "--label", JobLabel + "=" + jobID}

	args = append(args, "--security-opt", "no-new-privileges")

	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}

	if opts.ResourceLimits != nil {
		if opts.ResourceLimits.CPUs != "" {
			args = append(args, "--cpus", opts.ResourceLimits.CPUs)
		}
		if opts.ResourceLimits.Memory != "" {
			args = append(args, "--memory", opts.ResourceLimits.Memory)
		}
		if opts.ResourceLimits.PIDs > 0 {
			args = append(args, "--pids-limit", strconv.FormatInt(opts.ResourceLimits.PIDs, 10))
		}
	}

	if opts.User != "" {
		args = append(args, "--user", opts.User)
	} else if runtime.GOOS != "windows" {
		// Files written by the build stay owned by the invoking user.
		args = append(args, "--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()))
	}

	absWorkDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	hostPath := normalizePath(absWorkDir)
	args = append(args, "--volume", fmt.Sprintf("%s:%s:rw", hostPath, workspaceDir), "--workdir", workspaceDir)

	size := opts.TmpfsSize
	if size == "" {
		size = "256m"
	}
	args = append(args, "--tmpfs", "/tmp:exec,nodev,nosuid,size="+size)
	args = append(args, "--tmpfs", "/home:exec,nodev,nosuid,size="+size)
	// Build tools cache dependencies under $HOME.
	args = append(args, "--env", "HOME=/home")

	for _, env := range opts.Env {
		args = append(args, "--env", env)
	}

	args = append(args, d.image, "sleep", "infinity")
	return args, nil
}

// Run executes a command inside the job's container.
func (d *DockerExec) Run(ctx context.Context, envID string, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}

	start := time.Now()

	execCtx := ctx
	if opts != nil && opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"exec", "-w", workspaceDir}
	if opts != nil {
		for _, env := range opts.Env {
			args = append(args, "--env", env)
		}
	}
	args = append(args, envID)
	args = append(args, cmd...)

	dockerCmd := exec.CommandContext(execCtx, d.dockerCmd, args...)
	stdout, stderr, err := d.executeCommand(dockerCmd)

	result := Result{
		Stdout:       stdout,
		Stderr:       stderr,
		Duration:     time.Since(start),
		ExecutorUsed: string(d.Name()),
		TimedOut:     errors.Is(execCtx.Err(), context.DeadlineExceeded),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) || result.TimedOut {
			result.ExitCode = -1
			if exitErr != nil {
				result.ExitCode = exitErr.ExitCode()
			}
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("docker exec failed: %w", err)
	}

	return result, nil
}

// Stop removes the container. Cleanup runs even if ctx is already cancelled.
func (d *DockerExec) Stop(ctx context.Context, envID string) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	rmCmd := exec.CommandContext(cleanupCtx, d.dockerCmd, "rm", "-f", envID)
	var stderr strings.Builder
	rmCmd.Stderr = &stderr
	if err := rmCmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "No such container") {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", envID, err)
	}

	d.logger.Info("📦 Container removed: %s", envID)
	return nil
}

// ListEnvironments returns every container carrying the job label.
func (d *DockerExec) ListEnvironments(ctx context.Context) ([]Environment, error) {
	cmd := exec.CommandContext(ctx, d.dockerCmd, "ps", "-a",
		"--filter", "label="+JobLabel,
		"--format", `{{.Names}}\t{{.Label "`+JobLabel+`"}}`)
	stdout, stderr, err := d.executeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w: %s", err, strings.TrimSpace(stderr))
	}
	return parseEnvironmentList(stdout), nil
}

func parseEnvironmentList(out string) []Environment {
	var envs []Environment
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, jobID, _ := strings.Cut(line, "\t")
		envs = append(envs, Environment{ID: name, JobID: jobID})
	}
	return envs
}

// normalizePath handles cross-platform path normalization for Docker.
func normalizePath(path string) string {
	if runtime.GOOS == "windows" {
		// Convert C:\path\to\dir to /c/path/to/dir
		if len(path) > 2 && path[1] == ':' {
			drive := strings.ToLower(string(path[0]))
			rest := strings.ReplaceAll(path[2:], "\\", "/")
			return "/" + drive + rest
		}
	}
	return path
}

// executeCommand runs the docker command and captures output.
func (d *DockerExec) executeCommand(cmd *exec.Cmd) (string, string, error) {
	var stdout, stderr strings.Builder

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.logger.Debug("Executing docker command: %s", strings.Join(cmd.Args, " "))

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// GetImage returns the Docker image being used.
func (d *DockerExec) GetImage() string {
	return d.image
}
