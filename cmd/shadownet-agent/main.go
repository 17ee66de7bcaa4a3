// shadownet-agent: decrypts jobs and answers each with an encrypted ack.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"dev.c0redev.shadownet/internal/config"
	"dev.c0redev.shadownet/internal/crypto"
	"dev.c0redev.shadownet/internal/dispatch"
	"dev.c0redev.shadownet/internal/journal"
	"dev.c0redev.shadownet/internal/log"
	"dev.c0redev.shadownet/internal/metrics"
	"dev.c0redev.shadownet/internal/node"
	"dev.c0redev.shadownet/internal/transport"
)

type flags struct {
	configFile string
	listen     string
	key        string
	mode       string
	network    string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "shadownet-agent",
		Short: "Answer encrypted shadownet jobs",
		Long: `shadownet-agent listens for encrypted job requests, decrypts each one,
and replies with an encrypted acknowledgement. A request that does not
decrypt gets a fault reply and the connection stays up.

Runs until SIGINT or SIGTERM.`,
		Example: `  SHADOWNET_KEY=<hex key from shadownet keygen> shadownet-agent
  shadownet-agent -c agent.toml --transport quic --listen :5555`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(&f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, nil)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "path to the configuration file (TOML format)")
	fl.StringVar(&f.listen, "listen", "", "listen address (host:port or tcp://*:port)")
	fl.StringVar(&f.key, "key", "", "shared key in hex")
	fl.StringVar(&f.mode, "mode", "", "frame mode: cbc or sealed")
	fl.StringVar(&f.network, "transport", "", "transport: tcp, tls or quic")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: ERROR, WARNING, NOTICE, INFO, DEBUG")
	return cmd
}

func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.LoadFile(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f.configFile, err)
	}
	if f.listen != "" {
		cfg.Dispatch.Listen = f.listen
	}
	if f.key != "" {
		cfg.Dispatch.Key = f.key
	}
	if f.mode != "" {
		cfg.Dispatch.Mode = f.mode
	}
	if f.network != "" {
		cfg.Transport.Network = f.network
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run serves until ctx is done or a signal arrives. ready, if set, gets the bound address.
func run(ctx context.Context, cfg *config.Config, ready func(net.Addr)) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}
	defer backend.Close()
	l := backend.GetLogger("agent")

	codec, err := cfg.Codec()
	if err != nil {
		return err
	}
	id, err := node.Load(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	l.Noticef("node %s, shadownet %s", id, versioninfo.Short())

	opts := dispatch.AgentOptions{
		IdleTimeout: cfg.Dispatch.IdleTimeout,
		Log:         backend.GetLogger("dispatch"),
		Metrics:     metrics.New(id.Short()),
		Node:        id.String(),
	}
	if cfg.Journal.Path != "" {
		db, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer db.Close()
		opts.Journal = db
		if cfg.Journal.Retention > 0 {
			go pruneLoop(ctx, l, db, cfg.Journal.Retention)
		}
	}
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux(opts.Metrics), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			l.Noticef("metrics on %s", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Errorf("metrics: %v", err)
			}
		}()
		defer srv.Close()
	}

	topts, err := cfg.ServerTransport()
	if err != nil {
		return err
	}
	if cfg.NeedsGeneratedCert() {
		l.Warningf("%s with a generated self-signed certificate", cfg.Transport.Network)
	}
	ln, err := transport.Listen(cfg.Dispatch.Listen, topts)
	if err != nil {
		return err
	}
	if cfg.Dispatch.Mode == crypto.ModeCBC {
		l.Warning("cbc frames are not authenticated; consider Mode = \"sealed\" on both ends")
	}
	if ready != nil {
		ready(ln.Addr())
	}

	agent := dispatch.NewAgent(codec, nil, opts)
	err = agent.Serve(ctx, ln)
	l.Notice("stopped")
	return err
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func pruneLoop(ctx context.Context, l *logging.Logger, db *journal.DB, retention time.Duration) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		n, err := db.Prune(time.Now().Add(-retention))
		if err != nil {
			l.Warningf("journal prune: %v", err)
		} else if n > 0 {
			l.Infof("journal: pruned %d entries", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
