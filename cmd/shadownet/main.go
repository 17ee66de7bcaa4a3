// shadownet: send encrypted jobs to a shadownet agent.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"dev.c0redev.shadownet/internal/config"
	"dev.c0redev.shadownet/internal/crypto"
	"dev.c0redev.shadownet/internal/dispatch"
	"dev.c0redev.shadownet/internal/journal"
	"dev.c0redev.shadownet/internal/log"
)

// flags shared by every subcommand; zero values leave the config alone
type flags struct {
	configFile string
	addr       string
	key        string
	mode       string
	network    string
	timeout    time.Duration
	logLevel   string
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "shadownet",
		Short: "Send encrypted jobs to a shadownet agent",
		Long: `shadownet sends a job string to an agent over an encrypted
request/reply channel and prints the agent's acknowledgement.

The shared 16-byte key comes from the config file, SHADOWNET_KEY, or --key.`,
		Example: `  # generate a key once, then give the same key to the agent
  export SHADOWNET_KEY=$(shadownet keygen)

  # dispatch a job to the default agent (127.0.0.1:5555)
  shadownet send-job ping-42

  # use a config file and the QUIC transport
  shadownet -c shadownet.toml --transport quic send-job backup-now`,
		SilenceUsage: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configFile, "config", "c", "", "path to the configuration file (TOML format)")
	pf.StringVar(&f.addr, "addr", "", "agent address (host:port or tcp://host:port)")
	pf.StringVar(&f.key, "key", "", "shared key in hex")
	pf.StringVar(&f.mode, "mode", "", "frame mode: cbc or sealed")
	pf.StringVar(&f.network, "transport", "", "transport: tcp, tls or quic")
	pf.DurationVar(&f.timeout, "timeout", 0, "per request timeout")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: ERROR, WARNING, NOTICE, INFO, DEBUG")

	cmd.AddCommand(
		newSendJobCommand(&f),
		newPingCommand(&f),
		newKeygenCommand(),
		newEnvelopeCommand(&f),
	)
	return cmd
}

// loadConfig: file, then environment, then flags.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.LoadFile(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f.configFile, err)
	}
	if f.addr != "" {
		cfg.Dispatch.Addr = f.addr
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
	if f.timeout != 0 {
		cfg.Dispatch.Timeout = f.timeout
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is everything a dispatch command needs.
type session struct {
	cfg     *config.Config
	codec   crypto.Codec
	opts    dispatch.ClientOptions
	backend *log.Backend
	journal *journal.DB
}

func newSession(f *flags) (*session, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}
	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	topts, err := cfg.ClientTransport()
	if err != nil {
		return nil, err
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, codec: codec, backend: backend}
	s.opts = dispatch.ClientOptions{
		Transport: topts,
		Timeout:   cfg.Dispatch.Timeout,
		Log:       backend.GetLogger("dispatch"),
	}
	if cfg.Journal.Path != "" {
		db, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("journal: %w", err)
		}
		s.journal = db
		s.opts.Journal = db
	}
	return s, nil
}

func (s *session) Close() {
	if s.journal != nil {
		s.journal.Close()
	}
	s.backend.Close()
}

func newSendJobCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "send-job <job>",
		Short: "Dispatch one job and print the agent's reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(f)
			if err != nil {
				return err
			}
			defer s.Close()
			reply, err := dispatch.Dispatch(cmd.Context(), s.cfg.Dispatch.Addr, s.codec, s.opts, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}

func newPingCommand(f *flags) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the agent answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(f)
			if err != nil {
				return err
			}
			defer s.Close()
			c, err := dispatch.Dial(cmd.Context(), s.cfg.Dispatch.Addr, s.codec, s.opts)
			if err != nil {
				return err
			}
			defer c.Close()
			for i := 0; i < count; i++ {
				rtt, err := c.Ping(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pong from %s: time=%v\n", s.cfg.Dispatch.Addr, rtt.Round(time.Microsecond))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of pings")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random shared key in hex",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.Hex())
			return nil
		},
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
