// Command worker runs the Temporal worker that executes workflow runs: the
// run workflow itself plus the activities that run component actions, append
// trace events, register approvals and mirror run status.
//
// Configuration comes from the environment; the variables are shared with the
// server binary. MINIO_* settings are optional: without them the worker runs
// with the file and artifact capabilities disabled and components that need
// them fail with a configuration error.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/reconflow/reconflow/approval"
	approvalmongo "github.com/reconflow/reconflow/approval/mongo"
	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/components"
	"github.com/reconflow/reconflow/config"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/engine/temporal"
	"github.com/reconflow/reconflow/runtime/executor"
	"github.com/reconflow/reconflow/runtime/runner"
	"github.com/reconflow/reconflow/secretstore"
	"github.com/reconflow/reconflow/storage"
	"github.com/reconflow/reconflow/store"
	storemongo "github.com/reconflow/reconflow/store/mongo"
	"github.com/reconflow/reconflow/telemetry"
	"github.com/reconflow/reconflow/toolregistry"
	tracemongo "github.com/reconflow/reconflow/trace/mongo"
	tracepulse "github.com/reconflow/reconflow/trace/pulse"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.DatabaseURL))
	if err != nil {
		return rferr.Wrap(rferr.KindConfiguration, err, "connect to mongodb")
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn(ctx, "mongo disconnect failed", "err", err)
		}
	}()
	db := mongoClient.Database(cfg.DatabaseName)

	runs, err := storemongo.New(ctx, db)
	if err != nil {
		return err
	}
	traceStore, err := tracemongo.NewSink(ctx, db.Collection("trace_events"))
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.ToolRegistryRedisURL, Password: cfg.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return rferr.Wrap(rferr.KindConfiguration, err, "connect to redis")
	}

	traceSink, err := tracepulse.NewSink(tracepulse.Options{Redis: rdb, Store: traceStore, Logger: logger})
	if err != nil {
		return err
	}

	cipher, err := toolregistry.NewCipher(cfg.SecretStoreMasterKey)
	if err != nil {
		return err
	}
	secrets, err := secretstore.New(secretstore.Options{Redis: rdb, Cipher: cipher})
	if err != nil {
		return err
	}

	caps := executor.Capabilities{
		Secrets: secrets,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.Minio.Endpoint != "" {
		objects, err := storage.New(ctx, storage.Options{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return err
		}
		caps.Storage = objects
		caps.Artifacts = objects.Artifacts()
	} else {
		logger.Info(ctx, "object store not configured, file capabilities disabled")
	}

	approvalStore, err := approvalmongo.New(ctx, db.Collection("approvals"))
	if err != nil {
		return err
	}
	// The server signals resolutions; worker-side the coordinator only
	// creates, expires and cancels records.
	approvals := approval.NewCoordinator(approvalStore, nil, logger)

	catalog := component.NewRegistry()
	components.Register(catalog)

	eng, err := temporal.New(temporal.Options{
		ClientOptions: &temporalclient.Options{
			HostPort:  cfg.Temporal.Address,
			Namespace: cfg.Temporal.Namespace,
		},
		TaskQueue: cfg.Temporal.TaskQueue,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	exec := executor.New(executor.Options{Registry: catalog, TaskQueue: cfg.Temporal.TaskQueue})
	if err := eng.RegisterWorkflow(ctx, exec.WorkflowDefinition()); err != nil {
		return err
	}
	acts := &executor.Activities{
		Registry:  catalog,
		Runner:    runner.New(runner.Options{Logger: logger, Metrics: metrics}),
		Trace:     traceSink,
		Approvals: approvals,
		Runs:      runRecorder{runs: runs},
		Caps:      caps,
		Logger:    logger,
	}
	for _, def := range acts.Definitions() {
		if err := eng.RegisterActivity(ctx, def); err != nil {
			return err
		}
	}

	eng.StartWorkers()
	logger.Info(ctx, "worker started", "task_queue", cfg.Temporal.TaskQueue)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info(ctx, "shutting down", "signal", sig.String())
	return nil
}

// runRecorder mirrors executor run-status reports into the run store.
// Terminal statuses carry outputs or the failure message.
type runRecorder struct {
	runs store.RunStore
}

func (r runRecorder) RecordRunStatus(ctx context.Context, in executor.SetRunStatusInput) error {
	switch in.Status {
	case executor.RunStatusCompleted, executor.RunStatusFailed, executor.RunStatusCancelled:
		return r.runs.CompleteRun(ctx, in.RunID, store.RunStatus(in.Status), in.Outputs, in.Error)
	default:
		return r.runs.UpdateRunStatus(ctx, in.RunID, store.RunStatus(in.Status))
	}
}
