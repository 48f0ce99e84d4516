package runner

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/execctx"
)

// seedImage populates the run volume with the action input before the tool
// container starts.
const seedImage = "alpine:3.20"

// workspaceMount is where the run volume is mounted in every container.
const workspaceMount = "/workspace"

type (
	// DockerClient runs one docker CLI invocation. ExitCode is meaningful
	// only when err is nil or the process exited non-zero; transport errors
	// (daemon unreachable) surface through err.
	DockerClient interface {
		Run(ctx context.Context, args []string, stdin []byte) (stdout, stderr []byte, exitCode int, err error)
	}

	cliDocker struct{}
)

// NewCLIDocker returns a DockerClient shelling out to the docker binary.
func NewCLIDocker() DockerClient { return cliDocker{} }

func (cliDocker) Run(ctx context.Context, args []string, stdin []byte) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, fmt.Errorf("docker %s: %w", args[0], err)
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

// runContainer materializes the input into a run-scoped volume, runs the tool
// image against it and tears the volume down on every path. Non-zero exits
// that still produced stdout are treated as partial success: recon tools
// routinely report findings before dying on a flaky target.
func (r *Runner) runContainer(ctx context.Context, ec *execctx.Context, spec *component.ContainerRunner, req Request) (*component.Result, error) {
	def := req.Definition
	vol, err := volumeName(ec.OrganizationID, ec.RunID)
	if err != nil {
		return nil, err
	}
	if _, stderr, code, err := r.docker.Run(ctx, []string{"volume", "create", vol}, nil); err != nil || code != 0 {
		return nil, dockerErr("create volume", err, code, stderr)
	}
	defer func() {
		// Best effort teardown with a fresh context: the action context may
		// already be done.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, stderr, code, err := r.docker.Run(rmCtx, []string{"volume", "rm", "-f", vol}, nil); err != nil || code != 0 {
			r.logger.Warn(rmCtx, "volume teardown failed", "volume", vol, "err", dockerErr("remove volume", err, code, stderr))
		}
	}()

	if err := r.seedVolume(ctx, vol, req.Input); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 && spec.TimeoutSec > 0 {
		timeout = time.Duration(spec.TimeoutSec) * time.Second
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout, stderr, code, err := r.docker.Run(runCtx, runArgs(vol, spec), nil)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, rferr.Wrap(rferr.KindTimeout, err, "container timed out").
				WithField("componentId", def.ID).WithField("image", spec.Image)
		}
		return nil, rferr.Wrap(rferr.KindDependency, err, "container runtime unavailable").
			WithField("componentId", def.ID)
	}
	if code != 0 {
		out := bytes.TrimSpace(stdout)
		if len(out) == 0 {
			return nil, rferr.Newf(rferr.KindContainer, "container exited %d", code).
				WithField("componentId", def.ID).
				WithField("exitCode", code).
				WithField("stderr", truncate(string(stderr), 4096))
		}
		if ec.Trace != nil {
			if terr := ec.Trace.Append(ctx, "warn", "container exited non-zero with output, keeping partial results", map[string]any{
				"exitCode": code,
				"stderr":   truncate(string(stderr), 1024),
			}); terr != nil {
				r.logger.Warn(ctx, "trace append failed", "err", terr)
			}
		}
		return parseContainerOutput(out), nil
	}
	return parseContainerOutput(bytes.TrimSpace(stdout)), nil
}

func (r *Runner) seedVolume(ctx context.Context, vol string, input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode container input: %w", err)
	}
	args := []string{
		"run", "--rm", "-i",
		"-v", vol + ":" + workspaceMount,
		seedImage,
		"sh", "-c", "cat > " + workspaceMount + "/input.json",
	}
	if _, stderr, code, err := r.docker.Run(ctx, args, payload); err != nil || code != 0 {
		return dockerErr("seed volume", err, code, stderr)
	}
	return nil
}

// runArgs builds the docker run invocation. Env keys are sorted so repeated
// runs are byte-identical in logs.
func runArgs(vol string, spec *component.ContainerRunner) []string {
	args := []string{"run", "--rm", "-v", vol + ":" + workspaceMount, "-w", workspaceMount}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	command := spec.Command
	if spec.Shell {
		// script gives misbehaving tools the terminal they insist on.
		args = append(args, "--entrypoint", "/bin/sh")
		command = []string{"-c", "script -qec " + shellQuote(shellJoin(spec.Entrypoint, spec.Command)) + " /dev/null"}
	} else if spec.Entrypoint != "" {
		args = append(args, "--entrypoint", spec.Entrypoint)
	}
	args = append(args, spec.Image)
	args = append(args, command...)
	return args
}

func shellJoin(entrypoint string, command []string) string {
	parts := make([]string, 0, len(command)+1)
	if entrypoint != "" {
		parts = append(parts, entrypoint)
	}
	parts = append(parts, command...)
	return strings.Join(parts, " ")
}

// shellQuote single-quotes s for the script wrapper so embedded quotes cannot
// terminate the command early.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseContainerOutput interprets stdout as a JSON object when possible and
// wraps raw text otherwise.
func parseContainerOutput(stdout []byte) *component.Result {
	if len(stdout) == 0 {
		return &component.Result{Output: map[string]any{}}
	}
	var obj map[string]any
	if err := json.Unmarshal(stdout, &obj); err == nil {
		return &component.Result{Output: obj}
	}
	return &component.Result{Output: map[string]any{"stdout": string(stdout)}}
}

// volumeName derives a docker-safe name from tenant, run and a random
// suffix. Docker volume names reject the raw id separators.
func volumeName(orgID, runID string) (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("volume name suffix: %w", err)
	}
	return strings.Join([]string{"rf", sanitize(orgID), sanitize(runID), hex.EncodeToString(buf[:])}, "-"), nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}

func dockerErr(op string, err error, code int, stderr []byte) error {
	if err != nil {
		return rferr.Wrap(rferr.KindDependency, err, op+" failed")
	}
	return rferr.Newf(rferr.KindDependency, "%s failed with exit %d", op, code).
		WithField("stderr", truncate(string(stderr), 1024))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
