package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/module-identity-provisioning/agent"
	"github.com/ruteri/module-identity-provisioning/cmd/flags"
	"github.com/ruteri/module-identity-provisioning/instanceutils"
	"github.com/ruteri/module-identity-provisioning/instanceutils/serviceresolver"
	"github.com/urfave/cli/v2"
)

var agentFlags = append([]cli.Flag{
	flags.LogServiceFlagFn("identity-agent"),
	&cli.StringFlag{
		Name:    "hub-url",
		Usage:   "hub base URL, defaults to http://$IOTEDGE_GATEWAYHOSTNAME:8080",
		EnvVars: []string{"HUB_URL"},
	},
	&cli.StringFlag{
		Name:    "hub-srv",
		Usage:   "resolve the hub through this SRV name instead, e.g. _hub._tcp.edge.example.net",
		EnvVars: []string{"HUB_SRV"},
	},
	&cli.StringFlag{
		Name:  "dns-server",
		Usage: "DNS server for the SRV lookup (host:port), defaults to the system resolver",
	},
	&cli.DurationFlag{
		Name:  "poll-interval",
		Value: agent.DefaultPollInterval,
	},
	&cli.DurationFlag{
		Name:  "wait-timeout",
		Value: agent.DefaultWaitTimeout,
		Usage: "how long one token request waits for the identity to be created",
	},
	&cli.DurationFlag{
		Name:  "retry-interval",
		Value: agent.DefaultRetryInterval,
	},
	&cli.StringFlag{
		Name:    "token-url",
		Usage:   "exchange the credential for an access token at this OAuth2 endpoint",
		EnvVars: []string{"TOKEN_URL"},
	},
	&cli.StringFlag{
		Name:    "token-client-id",
		EnvVars: []string{"TOKEN_CLIENT_ID"},
	},
	&cli.StringSliceFlag{
		Name: "token-scope",
	},
}, flags.LoggingFlags...)

func main() {
	app := &cli.App{
		Name:   "identity-agent",
		Usage:  "Obtain the identity of an edge module",
		Flags:  agentFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	env, err := instanceutils.LoadEdgeEnvironment()
	if err != nil {
		logger.Error("Module environment is incomplete", "err", err)
		return err
	}
	ref, err := env.ModuleRef()
	if err != nil {
		return err
	}
	logger = logger.With(slog.String("module", ref.String()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubURL, err := hubAddress(ctx, cCtx, env)
	if err != nil {
		logger.Error("Failed to locate hub", "err", err)
		return err
	}
	logger.Info("Using hub", slog.String("url", hubURL), slog.String("iotHub", env.IotHubHostname))

	hub, err := instanceutils.NewHubClient(hubURL, ref, nil, logger)
	if err != nil {
		return err
	}
	signer, err := instanceutils.NewWorkloadClient(env.WorkloadURI, env.ModuleID)
	if err != nil {
		logger.Error("Invalid workload URI", "err", err)
		return err
	}

	var exchanger agent.TokenExchanger
	if tokenURL := cCtx.String("token-url"); tokenURL != "" {
		exchanger, err = agent.NewPasswordGrantExchanger(agent.PasswordGrantConfig{
			TokenURL: tokenURL,
			ClientID: cCtx.String("token-client-id"),
			Scopes:   cCtx.StringSlice("token-scope"),
		})
		if err != nil {
			return err
		}
	}

	a, err := agent.New(ref, agent.Config{
		PollInterval:  cCtx.Duration("poll-interval"),
		WaitTimeout:   cCtx.Duration("wait-timeout"),
		RetryInterval: cCtx.Duration("retry-interval"),
		GenerationID:  env.ModuleGenerationID,
	}, hub, signer, exchanger, logger)
	if err != nil {
		return err
	}

	logger.Info("Agent is running, press Ctrl+C to stop")
	return a.Run(ctx)
}

func hubAddress(ctx context.Context, cCtx *cli.Context, env instanceutils.EdgeEnvironment) (string, error) {
	if u := cCtx.String("hub-url"); u != "" {
		return u, nil
	}
	if name := cCtx.String("hub-srv"); name != "" {
		lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		addr, err := serviceresolver.ResolveHubAddress(lookupCtx, name, cCtx.String("dns-server"))
		if err != nil {
			return "", err
		}
		return "http://" + addr, nil
	}
	return "http://" + env.GatewayHostname + ":8080", nil
}
