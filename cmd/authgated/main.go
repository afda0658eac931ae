// Command authgated is the gateway's daemon entry point: it builds the
// handler registry, the pipeline scheduler, and the milter or SMTP front
// end from a Config, then runs the supervisor's worker pool until told to
// stop. Configuration-file parsing is out of scope (§1); this binary
// builds its Config from flags and environment for now, the way a real
// deployment's init system or config loader would feed it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/sentrymta/authgate"
	"github.com/sentrymta/authgate/alert"
	authgatedns "github.com/sentrymta/authgate/dns"
	"github.com/sentrymta/authgate/handlers/arc"
	"github.com/sentrymta/authgate/handlers/dkim"
	"github.com/sentrymta/authgate/handlers/dmarc"
	"github.com/sentrymta/authgate/handlers/ptr"
	"github.com/sentrymta/authgate/handlers/spf"
	"github.com/sentrymta/authgate/handlers/trusted"
	"github.com/sentrymta/authgate/metrics"
	"github.com/sentrymta/authgate/milter"
	"github.com/sentrymta/authgate/pipeline"
	"github.com/sentrymta/authgate/smtpfront"
	"github.com/sentrymta/authgate/supervisor"
	"github.com/sentrymta/authgate/utils"
)

func main() {
	connection := flag.String("connection", "inet:3366@127.0.0.1", "primary listener spec (inet:PORT@HOST or unix:PATH)")
	hostname := flag.String("hostname", "authgate.local", "this server's own hostname, used in SPF/PTR checks")
	slackToken := flag.String("slack-token", os.Getenv("SLACK_TOKEN"), "Slack bot token for fatal-shutdown alerts (optional)")
	slackChannel := flag.String("slack-channel", os.Getenv("SLACK_CHANNEL"), "Slack channel for fatal-shutdown alerts (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg := authgate.DefaultConfig()
	cfg.Connection = *connection
	cfg.LoadHandlers = []string{trusted.Name, ptr.Name, spf.HandlerName, dkim.HandlerName, arc.HandlerName, dmarc.HandlerName}
	cfg.Normalize(logger)

	if err := run(cfg, *hostname, *slackToken, *slackChannel, logger); err != nil {
		logger.Error("authgated exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg authgate.Config, hostname, slackToken, slackChannel string, logger *slog.Logger) error {
	resolver := authgatedns.NewCachedResolver(
		authgatedns.NewResolver(authgatedns.ResolverConfig{DNSSEC: true, Timeout: cfg.DNSQueryTimeout}),
		cfg.DNSCacheSize, 5*time.Minute, cfg.DNSQueryTimeout,
	)

	trustedFactory, err := trusted.New(cfg.LocalCIDRs, cfg.TrustedCIDRs)
	if err != nil {
		return fmt.Errorf("authgated: configuring trusted handler: %w", err)
	}
	authgate.Register(trusted.Descriptor(), trustedFactory)
	authgate.Register(ptr.Descriptor(), ptr.New(resolver, cfg.DNSQueryTimeout))
	authgate.Register(spf.Descriptor(), spf.New(spf.NewResolverWithDefaults(), hostname, cfg.DNSQueryTimeout))
	authgate.Register(dkim.Descriptor(), dkim.New(resolver, dkim.ReportMissing))
	authgate.Register(arc.Descriptor(), arc.New(resolver))
	authgate.Register(dmarc.Descriptor(), dmarc.New(resolver, true, cfg.DNSQueryTimeout))

	active, err := authgate.Activate(cfg.LoadHandlers)
	if err != nil {
		return fmt.Errorf("authgated: %w", err)
	}

	scheduler, err := pipeline.NewScheduler(active)
	if err != nil {
		return fmt.Errorf("authgated: %w", err)
	}

	milterServer := &milter.Server{
		Scheduler: scheduler,
		Assembler: authgate.NewAssembler(),
		ServerID:  hostname,
		IDGen:     utils.GenerateID,
		Logger:    logger,
	}

	reg := metrics.NewRegistry()

	resolved, err := cfg.Listeners()
	if err != nil {
		return fmt.Errorf("authgated: %w", err)
	}

	var pool *supervisor.Pool
	var listeners []supervisor.Listener
	for _, rl := range resolved {
		ln, err := net.Listen(rl.Network, rl.Address)
		if err != nil {
			return fmt.Errorf("authgated: listen %s %s: %w", rl.Network, rl.Address, err)
		}
		if rl.Name == "metrics" {
			sideband := metrics.NewSideband(reg)
			go func(ln net.Listener) {
				if err := sideband.Serve(ln); err != nil {
					logger.Warn("metrics sideband stopped", slog.Any("error", err))
				}
			}(ln)
			continue
		}
		listeners = append(listeners, supervisor.Listener{
			Name:     listenerName(rl),
			Listener: ln,
			Handler:  connHandler(cfg.Protocol, milterServer, scheduler, hostname, logger, reg),
		})
	}

	pool = supervisor.New(cfg, logger)
	pool.SetIdent("authgated")

	var notifier *alert.Notifier
	if slackToken != "" && slackChannel != "" {
		notifier = alert.New(slackToken, slackChannel, "authgate", "")
	}

	err = pool.Run(context.Background(), listeners)
	if err != nil && notifier != nil {
		if nerr := notifier.FatalWorker(context.Background(), "authgated", err); nerr != nil {
			logger.Warn("failed to send fatal-shutdown alert", slog.Any("error", nerr))
		}
	}
	return err
}

// connHandler returns the per-connection callback the supervisor's worker
// pool runs for each accepted connection, speaking either the milter
// protocol or plain SMTP against the same Scheduler, per cfg.Protocol (§4.A).
func connHandler(proto authgate.Protocol, milterServer *milter.Server, scheduler *pipeline.Scheduler, hostname string, logger *slog.Logger, reg *metrics.Registry) func(context.Context, net.Conn) {
	if proto == authgate.ProtocolSMTP {
		return func(ctx context.Context, conn net.Conn) {
			reg.RecordFork()
			defer reg.RecordReap()
			smtpfront.NewConn(conn, scheduler, authgate.NewAssembler(), hostname, utils.GenerateID, logger).Serve()
		}
	}
	return func(ctx context.Context, conn net.Conn) {
		reg.RecordFork()
		defer reg.RecordReap()
		session := milter.NewSession(conn, milterServer.Scheduler, milterServer.Assembler, milterServer.ServerID, milterServer.IDGen, milterServer.Logger)
		session.Serve()
	}
}

func listenerName(rl authgate.ResolvedListener) string {
	if rl.Name == "" {
		return "primary"
	}
	return rl.Name
}
