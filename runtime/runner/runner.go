// Package runner executes a single action under one of three strategies:
// inline Go functions, containerized tools driven through the docker CLI, and
// remote HTTP services. The runner owns the retry loop; the executor decides
// what to do with the final outcome.
package runner

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/execctx"
	"github.com/reconflow/reconflow/telemetry"
)

const (
	defaultInitialInterval = time.Second
	defaultBackoff         = 2.0
	defaultMaximumInterval = time.Minute
)

type (
	// Request is one action execution.
	Request struct {
		Definition *component.Definition
		// Input holds the merged bound values keyed by port id.
		Input map[string]any
		// Timeout bounds a single attempt. Zero means the strategy default.
		Timeout time.Duration
	}

	// Options configure the runner.
	Options struct {
		// Docker runs container commands. Defaults to the docker CLI.
		Docker DockerClient
		// HTTP is the client for remote runners. Defaults to a 30s-timeout
		// client.
		HTTP    *http.Client
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Sleep is the retry backoff sleeper, replaceable in tests.
		Sleep func(ctx context.Context, d time.Duration) error
	}

	// Runner executes actions.
	Runner struct {
		docker  DockerClient
		http    *http.Client
		logger  telemetry.Logger
		metrics telemetry.Metrics
		sleep   func(ctx context.Context, d time.Duration) error
	}
)

// New builds a runner.
func New(opts Options) *Runner {
	docker := opts.Docker
	if docker == nil {
		docker = NewCLIDocker()
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = realSleep
	}
	return &Runner{docker: docker, http: httpClient, logger: logger, metrics: metrics, sleep: sleep}
}

// Execute runs the action, retrying per the component's retry policy. Delays
// follow min(initial * coeff^(n-1), max). Non-retryable kinds and kinds the
// policy excludes end the loop immediately.
func (r *Runner) Execute(ctx context.Context, ec *execctx.Context, req Request) (*component.Result, error) {
	def := req.Definition
	if def == nil {
		return nil, rferr.New(rferr.KindValidation, "action has no component definition")
	}
	policy := def.Retry
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		res, err := r.executeOnce(ctx, ec, req)
		r.metrics.RecordTimer("runner.attempt.duration", time.Since(start),
			"component", def.ID, "runner", string(def.Runner.Kind))
		if err == nil {
			return res, nil
		}
		lastErr = err
		kind := rferr.KindOf(err)
		if errors.Is(err, context.Canceled) || kind == rferr.KindCancelled {
			return nil, rferr.Wrap(rferr.KindCancelled, err, "action cancelled")
		}
		if !rferr.Retryable(kind) || excluded(policy.NonRetryableErrorKinds, kind) {
			return nil, err
		}
		if attempt == attempts {
			break
		}
		delay := backoffDelay(policy, attempt)
		r.logger.Warn(ctx, "action attempt failed, retrying",
			"component", def.ID, "attempt", attempt, "delay", delay.String(), "err", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return nil, rferr.Wrap(rferr.KindCancelled, serr, "action cancelled during backoff")
		}
	}
	return nil, lastErr
}

func (r *Runner) executeOnce(ctx context.Context, ec *execctx.Context, req Request) (*component.Result, error) {
	def := req.Definition
	switch def.Runner.Kind {
	case component.RunnerInline:
		return r.runInline(ctx, ec, req)
	case component.RunnerContainer:
		if def.Runner.Container == nil {
			return nil, rferr.New(rferr.KindConfiguration, "container runner has no container spec").
				WithField("componentId", def.ID)
		}
		return r.runContainer(ctx, ec, def.Runner.Container, req)
	case component.RunnerRemote:
		if def.Runner.Remote == nil {
			return nil, rferr.New(rferr.KindConfiguration, "remote runner has no remote spec").
				WithField("componentId", def.ID)
		}
		return r.runRemote(ctx, ec, def.Runner.Remote, req)
	default:
		return nil, rferr.Newf(rferr.KindConfiguration, "unknown runner kind %q", def.Runner.Kind).
			WithField("componentId", def.ID)
	}
}

func (r *Runner) runInline(ctx context.Context, ec *execctx.Context, req Request) (*component.Result, error) {
	def := req.Definition
	if def.Execute == nil {
		return nil, rferr.New(rferr.KindConfiguration, "inline component has no execute function").
			WithField("componentId", def.ID)
	}
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	res, err := def.Execute(runCtx, ec, req.Input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, rferr.Wrap(rferr.KindTimeout, err, "action timed out").
				WithField("componentId", def.ID)
		}
		return nil, err
	}
	if res == nil {
		res = &component.Result{}
	}
	return res, nil
}

func backoffDelay(policy component.RetryPolicy, attempt int) time.Duration {
	initial := time.Duration(policy.InitialIntervalSeconds * float64(time.Second))
	if initial <= 0 {
		initial = defaultInitialInterval
	}
	coeff := policy.BackoffCoefficient
	if coeff <= 0 {
		coeff = defaultBackoff
	}
	max := time.Duration(policy.MaximumIntervalSeconds * float64(time.Second))
	if max <= 0 {
		max = defaultMaximumInterval
	}
	delay := time.Duration(float64(initial) * math.Pow(coeff, float64(attempt-1)))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

func excluded(kinds []string, kind rferr.Kind) bool {
	for _, k := range kinds {
		if k == string(kind) {
			return true
		}
	}
	return false
}

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
