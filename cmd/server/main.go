// Command server runs the orchestration API: workflow editing, commits and
// runs, run traces and live streams, approvals with public resolution links,
// and the MCP gateway for agent tool access.
//
// Configuration comes from the environment:
//
//	HTTP_ADDR               - API listen address (default ":8080")
//	INTERNAL_SERVICE_TOKEN  - shared secret for the internal MCP endpoints (required)
//	DATABASE_URL            - MongoDB connection string (required)
//	DATABASE_NAME           - MongoDB database (default "reconflow")
//	TEMPORAL_ADDRESS        - Temporal frontend (default "localhost:7233")
//	TEMPORAL_NAMESPACE      - Temporal namespace (default "default")
//	TEMPORAL_TASK_QUEUE     - task queue for runs (default "reconflow")
//	TOOL_REGISTRY_REDIS_URL - Redis for tool registry, sessions and streams (default "localhost:6379")
//	SECRET_STORE_MASTER_KEY - credential envelope key (required)
//	AUTH_PROVIDER           - identity provider, "admin" (default)
//	ADMIN_USERNAME          - admin credential (required for the admin provider)
//	ADMIN_PASSWORD          - admin credential (required for the admin provider)
//	MCP_SESSION_TTL         - MCP session token lifetime (default "1h")
package main

import (
	"context"
	"errors"
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
	"github.com/reconflow/reconflow/compiler"
	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/components"
	"github.com/reconflow/reconflow/config"
	"github.com/reconflow/reconflow/httpapi"
	"github.com/reconflow/reconflow/mcp"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/engine/temporal"
	"github.com/reconflow/reconflow/session"
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

	st, err := storemongo.New(ctx, db)
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

	approvalStore, err := approvalmongo.New(ctx, db.Collection("approvals"))
	if err != nil {
		return err
	}
	approvals := approval.NewCoordinator(approvalStore, eng, logger)

	cipher, err := toolregistry.NewCipher(cfg.SecretStoreMasterKey)
	if err != nil {
		return err
	}
	registry, err := toolregistry.New(toolregistry.Options{Redis: rdb, Cipher: cipher})
	if err != nil {
		return err
	}
	sessions, err := session.New(rdb, cfg.Auth.SessionTTL)
	if err != nil {
		return err
	}

	catalog := component.NewRegistry()
	components.Register(catalog)

	dispatcher := mcp.NewDispatcher(mcp.DispatcherOptions{
		Engine:     eng,
		Registry:   registry,
		Components: catalog,
		Logger:     logger,
		Metrics:    telemetry.NewClueMetrics(),
	})
	proxy := mcp.NewProxy(mcp.ProxyOptions{Registry: registry, Logger: logger})
	gateway := mcp.NewGateway(mcp.GatewayOptions{
		Registry:   registry,
		Dispatcher: dispatcher,
		External:   proxy,
		Resolver:   httpapi.NewRunResolver(st),
		Logger:     logger,
	})
	hub := mcp.NewHub(mcp.HubOptions{Logger: logger})
	defer hub.CloseAll()

	srv := httpapi.New(httpapi.Options{
		Store:      st,
		Compiler:   compiler.New(catalog),
		Engine:     eng,
		Trace:      traceSink,
		TraceSub:   traceSink,
		Approvals:  approvals,
		Gateway:    gateway,
		Hub:        hub,
		Sessions:   sessions,
		Registry:   registry,
		Components: catalog,
		Identity: httpapi.StaticProvider{
			Username:       cfg.Auth.AdminUsername,
			Password:       cfg.Auth.AdminPassword,
			OrganizationID: "default",
		},
		InternalToken: cfg.InternalServiceToken,
		TaskQueue:     cfg.Temporal.TaskQueue,
		Logger:        logger,
	})
	e := srv.Echo()

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http server listening", "addr", cfg.HTTPAddr)
		errc <- e.Start(cfg.HTTPAddr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
