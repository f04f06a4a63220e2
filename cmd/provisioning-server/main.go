package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/api/provisioner"
	"github.com/ruteri/module-identity-provisioning/cmd/flags"
	"github.com/ruteri/module-identity-provisioning/eventbus"
	"github.com/ruteri/module-identity-provisioning/httpserver"
	"github.com/ruteri/module-identity-provisioning/identityprovider"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/kms"
	"github.com/ruteri/module-identity-provisioning/registry"
	"github.com/ruteri/module-identity-provisioning/storage"
	"github.com/urfave/cli/v2"
)

var serveFlags = append([]cli.Flag{
	flags.LogServiceFlagFn("provisioning-server"),
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		Usage:   "address to listen on for API",
		EnvVars: []string{"LISTEN_ADDR"},
	},
	&cli.StringFlag{
		Name:    "twin-store",
		Value:   "memory://",
		Usage:   "twin store location: memory://, sqlite:///path/to/twins.db or vault://host:port/mount/path",
		EnvVars: []string{"TWIN_STORE"},
	},
	&cli.DurationFlag{
		Name:  "twin-resync",
		Usage: "re-read watched twins this often, for stores shared with other writers",
	},
	&cli.StringFlag{
		Name:    "registry",
		Value:   "kms://",
		Usage:   "module registry location: kms://, file:///path/to/modules.json or vault://host:port/mount/path",
		EnvVars: []string{"MODULE_REGISTRY"},
	},
	&cli.StringFlag{
		Name:  "kms-type",
		Value: "simple",
		Usage: "type of KMS to use: 'simple' or 'shamir'",
	},
	&cli.StringFlag{
		Name:    "simple-kms-seed",
		Usage:   "hex-encoded 32-byte seed for SimpleKMS (required if kms-type is 'simple')",
		EnvVars: []string{"SIMPLE_KMS_SEED"},
	},
	&cli.IntFlag{
		Name:  "shamir-threshold",
		Value: 2,
		Usage: "number of shares required to unlock the KMS when kms-type is 'shamir'",
	},
	&cli.StringFlag{
		Name:    "admin-token",
		Usage:   "bearer token required to submit KMS shares",
		EnvVars: []string{"ADMIN_TOKEN"},
	},
	&cli.IntFlag{
		Name:  "bootstrap-timeout",
		Value: 300,
		Usage: "timeout in seconds for bootstrap process when using ShamirKMS",
	},
	&cli.StringFlag{
		Name:  "identity-provider",
		Value: "memory",
		Usage: "identity provider: 'memory' or 'graph'",
	},
	&cli.StringFlag{
		Name:    "graph-tenant-id",
		EnvVars: []string{"GRAPH_TENANT_ID"},
	},
	&cli.StringFlag{
		Name:    "graph-client-id",
		EnvVars: []string{"GRAPH_CLIENT_ID"},
	},
	&cli.StringFlag{
		Name:    "graph-client-secret",
		EnvVars: []string{"GRAPH_CLIENT_SECRET"},
	},
	&cli.StringFlag{
		Name:    "graph-domain",
		Usage:   "domain appended to usernames to form the user principal name",
		EnvVars: []string{"GRAPH_DOMAIN"},
	},
	&cli.StringFlag{
		Name:  "graph-token-url",
		Usage: "override of the OAuth2 token endpoint",
	},
	&cli.StringFlag{
		Name:  "graph-base-url",
		Usage: "override of the Graph API base URL",
	},
	&cli.StringFlag{
		Name:    "sqs-queue-url",
		Usage:   "also consume trigger events from this SQS queue",
		EnvVars: []string{"SQS_QUEUE_URL"},
	},
	&cli.StringFlag{
		Name:    "sqs-region",
		Value:   "us-east-1",
		EnvVars: []string{"AWS_REGION"},
	},
	&cli.StringFlag{
		Name:  "sqs-endpoint",
		Usage: "override of the SQS endpoint, e.g. for a local emulator",
	},
	&cli.IntFlag{
		Name:  "event-retries",
		Value: 3,
		Usage: "redeliveries of an event whose handler failed",
	},
	&cli.DurationFlag{
		Name:  "call-timeout",
		Value: provisioner.DefaultCallTimeout,
		Usage: "timeout of each registry, store and identity provider call",
	},
	&cli.IntFlag{
		Name:  "max-write-attempts",
		Value: provisioner.DefaultMaxWriteAttempts,
		Usage: "attempts of a conflicting twin write before giving up",
	},
	&cli.BoolFlag{
		Name:  "persist-diagnostic-password",
		Value: false,
		Usage: "store the derived password in the twin tags (diagnostics only)",
	},
	&cli.BoolFlag{
		Name:  "workload-emulator",
		Value: false,
		Usage: "serve the workload signing API for devices without an edge runtime",
	},
}, flags.CommonFlags...)

var triggerFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "server",
		Value: "http://127.0.0.1:8080",
		Usage: "provisioning server to deliver the event to",
	},
	&cli.StringFlag{
		Name:     "device-id",
		Required: true,
	},
	&cli.StringFlag{
		Name:     "module-id",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "operation",
		Value: string(api.OperationCreateIdentity),
		Usage: "CreateIdentity or RefreshIdentity",
	},
	&cli.BoolFlag{
		Name:  "cloudevents",
		Usage: "deliver the event as a structured CloudEvent instead of an Event Grid array",
	},
	flags.EventTopicFlag,
}, flags.LoggingFlags...)

func main() {
	app := &cli.App{
		Name:           "provisioning-server",
		Usage:          "Provision module identities and serve the development hub",
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the provisioning authority and hub",
				Flags:  serveFlags,
				Action: runServe,
			},
			{
				Name:   "trigger",
				Usage:  "deliver an operation request to a running server",
				Flags:  triggerFlags,
				Action: runTrigger,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServe(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
	metrics := prometheus.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	simpleKMS, admin, err := setupKMS(ctx, cCtx, cfg, logger)
	if err != nil {
		return err
	}

	store, err := storage.NewTwinStoreFactory(logger).TwinStoreFor(cCtx.String("twin-store"))
	if err != nil {
		logger.Error("Failed to create twin store", "err", err)
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}
	observed := storage.NewObservedStore(store, cCtx.Duration("twin-resync"))
	logger.Info("Using twin store", slog.String("location", store.LocationURI()))

	moduleRegistry, err := registry.RegistryFor(cCtx.String("registry"), simpleKMS, logger)
	if err != nil {
		logger.Error("Failed to create module registry", "err", err)
		return err
	}

	provider, err := setupIdentityProvider(cCtx, logger)
	if err != nil {
		return err
	}

	bus, err := eventbus.NewBus(logger, cCtx.Int("event-retries"))
	if err != nil {
		logger.Error("Failed to create event bus", "err", err)
		return err
	}

	handler := provisioner.NewHandler(observed, moduleRegistry, provider, provisioner.Config{
		CallTimeout:               cCtx.Duration("call-timeout"),
		MaxWriteAttempts:          cCtx.Int("max-write-attempts"),
		PersistDiagnosticPassword: cCtx.Bool("persist-diagnostic-password"),
	}, provisioner.NewMetrics(metrics), logger).WithPublisher(bus)
	bus.AddHandler("provisioner", handler.HandleMessage)

	if err := bus.RunAsync(ctx); err != nil {
		logger.Error("Failed to start event bus", "err", err)
		return err
	}
	defer bus.Close()

	if queueURL := cCtx.String("sqs-queue-url"); queueURL != "" {
		source, err := eventbus.NewSQSSource(eventbus.SQSConfig{
			QueueURL: queueURL,
			Region:   cCtx.String("sqs-region"),
			Endpoint: cCtx.String("sqs-endpoint"),
		}, bus, logger)
		if err != nil {
			logger.Error("Failed to create SQS source", "err", err)
			return err
		}
		go func() {
			if err := source.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("SQS source stopped", "err", err)
			}
		}()
	}

	registrars := []httpserver.RouteRegistrar{
		handler,
		httpserver.NewHubHandler(observed, observed, bus, cfg),
	}
	if admin != nil {
		registrars = append(registrars, admin)
	}
	if cCtx.Bool("workload-emulator") {
		if simpleKMS == nil {
			return errors.New("workload emulator requires a KMS")
		}
		registrars = append(registrars, httpserver.NewWorkloadEmulator(simpleKMS, logger))
	}

	server, err := httpserver.New(cfg, metrics, registrars...)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	logger.Info("Server is running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

// setupKMS returns the module key KMS. With the Shamir KMS an admin-only
// server runs until enough shares were submitted.
func setupKMS(ctx context.Context, cCtx *cli.Context, cfg *api.HTTPServerConfig, logger *slog.Logger) (*kms.SimpleKMS, *httpserver.AdminHandler, error) {
	switch kmsType := cCtx.String("kms-type"); kmsType {
	case "simple":
		simpleKMSSeed := cCtx.String("simple-kms-seed")
		if simpleKMSSeed == "" {
			logger.Error("simple-kms-seed is required when using simple KMS")
			return nil, nil, errors.New("simple-kms-seed is required for simple KMS")
		}
		seed, err := hex.DecodeString(simpleKMSSeed)
		if err != nil || len(seed) != 32 {
			logger.Error("Invalid simple-kms-seed - must be 64 hex chars (32 bytes)", "err", err)
			return nil, nil, fmt.Errorf("invalid simple-kms-seed: %v", err)
		}
		k, err := kms.NewSimpleKMS(seed)
		if err != nil {
			logger.Error("Failed to create SimpleKMS", "err", err)
			return nil, nil, err
		}
		logger.Info("SimpleKMS initialized successfully")
		return k, nil, nil

	case "shamir":
		shamirKMS, err := kms.NewShamirKMSRecovery(cCtx.Int("shamir-threshold"))
		if err != nil {
			return nil, nil, err
		}
		admin := httpserver.NewAdminHandler(shamirKMS, cCtx.String("admin-token"), logger)

		bootstrapCfg := *cfg
		bootstrapCfg.MetricsAddr = ""
		bootstrap, err := httpserver.New(&bootstrapCfg, nil, admin)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Starting server in bootstrap mode")
		bootstrap.RunInBackground()
		defer bootstrap.Shutdown()

		timeout := time.Duration(cCtx.Int("bootstrap-timeout")) * time.Second
		logger.Info("Waiting for KMS shares", slog.Duration("timeout", timeout))
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		k, err := admin.WaitForUnlock(waitCtx)
		if err != nil {
			logger.Error("KMS bootstrap failed", "err", err)
			return nil, nil, err
		}
		logger.Info("KMS unlocked")
		return k, admin, nil

	default:
		logger.Error("Invalid kms-type", "type", kmsType)
		return nil, nil, fmt.Errorf("invalid kms-type: %s", kmsType)
	}
}

func setupIdentityProvider(cCtx *cli.Context, logger *slog.Logger) (interfaces.IdentityProvider, error) {
	switch kind := cCtx.String("identity-provider"); kind {
	case "memory":
		logger.Warn("Using in-memory identity provider, identities are not persisted")
		return identityprovider.NewMemoryProvider(logger), nil
	case "graph":
		provider, err := identityprovider.NewGraphProvider(identityprovider.GraphConfig{
			TenantID:     cCtx.String("graph-tenant-id"),
			ClientID:     cCtx.String("graph-client-id"),
			ClientSecret: cCtx.String("graph-client-secret"),
			Domain:       cCtx.String("graph-domain"),
			TokenURL:     cCtx.String("graph-token-url"),
			BaseURL:      cCtx.String("graph-base-url"),
		}, nil, logger)
		if err != nil {
			logger.Error("Failed to create Graph identity provider", "err", err)
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("invalid identity-provider: %s", kind)
	}
}

func runTrigger(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	ref, err := interfaces.NewModuleRef(cCtx.String("device-id"), cCtx.String("module-id"))
	if err != nil {
		return err
	}
	client := &provisioner.TriggerClient{
		ServerAddr:  cCtx.String("server"),
		Topic:       cCtx.String(flags.EventTopicFlag.Name),
		CloudEvents: cCtx.Bool("cloudevents"),
	}

	ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
	defer cancel()
	if err := client.RequestOperation(ctx, ref, api.OperationType(cCtx.String("operation"))); err != nil {
		logger.Error("Failed to deliver operation", "err", err)
		return err
	}
	logger.Info("Operation delivered", slog.String("module", ref.String()), slog.String("operation", cCtx.String("operation")))
	return nil
}
