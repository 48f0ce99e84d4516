// Package temporal adapts the engine abstraction to the Temporal SDK. It
// manages per-queue workers, wires OTEL instrumentation into the client and
// workers, and exposes signal/query/cancel access by workflow id for callers
// outside the workflow (gateway, coordinator, HTTP layer).
package temporal

import (
	"context"
	"fmt"
	"sync"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/reconflow/reconflow/runtime/engine"
	"github.com/reconflow/reconflow/telemetry"
)

type (
	// Options configure the Temporal engine adapter. Either a pre-configured
	// Client or ClientOptions must be provided. TaskQueue is the default
	// queue used when definitions omit one; a worker is created per unique
	// queue.
	Options struct {
		Client        client.Client
		ClientOptions *client.Options
		TaskQueue     string
		WorkerOptions worker.Options
		// DisableTracing / DisableMetrics opt out of the OTEL interceptors
		// installed by default.
		DisableTracing bool
		DisableMetrics bool
		Logger         telemetry.Logger
	}

	// Engine implements engine.Engine on Temporal. Safe for concurrent use;
	// workers are created lazily per task queue and started on first
	// workflow execution.
	Engine struct {
		client      client.Client
		closeClient bool

		defaultQueue string
		workerOpts   worker.Options
		logger       telemetry.Logger

		mu             sync.Mutex
		workers        map[string]*workerBundle
		workersStarted bool
		workflows      map[string]engine.WorkflowDefinition
	}
)

// New constructs the adapter.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: a default task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:       cli,
		closeClient:  closeClient,
		defaultQueue: opts.TaskQueue,
		workerOpts:   workerOpts,
		logger:       logger,
		workers:      make(map[string]*workerBundle),
		workflows:    make(map[string]engine.WorkflowDefinition),
	}, nil
}

// RegisterWorkflow registers a workflow definition with the worker for its
// task queue, wrapping the handler to provide the engine's WorkflowContext.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input any) (any, error) {
		return def.Handler(newWorkflowContext(e, tctx), input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity registers an activity handler with the worker for its
// task queue.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	queue := def.Options.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(def.Name, func(actx context.Context, input any) (any, error) {
		info := activity.GetInfo(actx)
		if info.WorkflowExecution.RunID != "" {
			actx = context.WithValue(actx, runIDKey, info.WorkflowExecution.RunID)
		}
		return def.Handler(actx, input)
	})
	return nil
}

// StartWorkflow launches an execution. Workers are started on first use.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}
	e.ensureWorkersStarted()

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: queue,
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// SignalByID delivers a signal to a workflow by id.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	return e.client.SignalWorkflow(ctx, workflowID, runID, name, payload)
}

// QueryByID runs a query against a workflow by id and decodes into result.
func (e *Engine) QueryByID(ctx context.Context, workflowID, runID, queryType string, result any, args ...any) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	val, err := e.client.QueryWorkflow(ctx, workflowID, runID, queryType, args...)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return val.Get(result)
}

// CancelByID requests cancellation of a workflow by id.
func (e *Engine) CancelByID(ctx context.Context, workflowID, runID string) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	return e.client.CancelWorkflow(ctx, workflowID, runID)
}

// Status maps the Temporal execution status to the run-status vocabulary.
func (e *Engine) Status(ctx context.Context, workflowID, runID string) (string, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, runID)
	if err != nil {
		return "", err
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return "UNKNOWN", nil
	}
	switch info.GetStatus() {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return "RUNNING", nil
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return "COMPLETED", nil
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED:
		return "FAILED", nil
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return "CANCELLED", nil
	case enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return "TERMINATED", nil
	case enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return "TIMED_OUT", nil
	case enums.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return "RUNNING", nil
	default:
		return "UNKNOWN", nil
	}
}

// Close shuts down workers and, when the engine created it, the client.
func (e *Engine) Close() error {
	e.mu.Lock()
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{queue: queue, worker: w, logger: e.logger}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

// StartWorkers launches the workers for every registered task queue without
// waiting for a workflow start. Dedicated worker processes call this once
// after registering their definitions.
func (e *Engine) StartWorkers() {
	e.ensureWorkersStarted()
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts Options) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) ID() string    { return h.run.GetID() }
func (h *workflowHandle) RunID() string { return h.run.GetRunID() }

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

type contextKey string

const runIDKey contextKey = "temporal.run_id"
