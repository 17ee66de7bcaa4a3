package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"dev.c0redev.shadownet/internal/config"
	"dev.c0redev.shadownet/internal/crypto"
	"dev.c0redev.shadownet/internal/dispatch"
	"dev.c0redev.shadownet/internal/journal"
	"dev.c0redev.shadownet/internal/log"
	"dev.c0redev.shadownet/internal/metrics"
	"dev.c0redev.shadownet/internal/transport"
)

const testKeyHex = "1a1b1c1d1e1f20212223242526272829"

func testConfig(t *testing.T, network, mode string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Dispatch.Listen = "127.0.0.1:0"
	cfg.Dispatch.Key = testKeyHex
	cfg.Dispatch.Mode = mode
	cfg.Transport.Network = network
	cfg.Transport.InsecureSkipVerify = true
	cfg.Logging.Disable = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Journal.Path = filepath.Join(dir, "agent.db")
	cfg.Journal.Retention = time.Hour
	cfg.Node.DataDir = filepath.Join(dir, "data")
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func TestRun(t *testing.T) {
	for _, tc := range []struct{ network, mode string }{
		{transport.NetworkTCP, crypto.ModeCBC},
		{transport.NetworkQUIC, crypto.ModeSealed},
	} {
		t.Run(tc.network+"/"+tc.mode, func(t *testing.T) {
			cfg := testConfig(t, tc.network, tc.mode)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			addrs := make(chan net.Addr, 1)
			done := make(chan error, 1)
			go func() { done <- run(ctx, cfg, func(a net.Addr) { addrs <- a }) }()

			var addr net.Addr
			select {
			case addr = <-addrs:
			case err := <-done:
				t.Fatalf("run returned early: %v", err)
			case <-time.After(5 * time.Second):
				t.Fatal("agent did not start")
			}

			codec, err := cfg.Codec()
			require.NoError(t, err)
			topts, err := cfg.ClientTransport()
			require.NoError(t, err)
			dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
			defer dcancel()
			reply, err := dispatch.Dispatch(dctx, addr.String(), codec, dispatch.ClientOptions{Transport: topts}, "ping-42")
			require.NoError(t, err)
			require.Equal(t, "ACK: ping-42", reply)

			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("run did not return")
			}

			id, err := os.ReadFile(filepath.Join(cfg.Node.DataDir, "node_id"))
			require.NoError(t, err)
			require.NotEmpty(t, id)

			db, err := journal.Open(cfg.Journal.Path)
			require.NoError(t, err)
			defer db.Close()
			list, err := db.Recent(10)
			require.NoError(t, err)
			require.Len(t, list, 1)
			require.Equal(t, journal.RoleAgent, list[0].Role)
			require.Equal(t, journal.StatusOK, list[0].Status)
			require.NotEmpty(t, list[0].Node)
		})
	}
}

func TestRunNoKey(t *testing.T) {
	cfg := testConfig(t, transport.NetworkTCP, crypto.ModeCBC)
	cfg.Dispatch.Key = ""
	err := run(context.Background(), cfg, func(net.Addr) { t.Error("must not listen without a key") })
	require.ErrorIs(t, err, config.ErrNoKey)
}

func TestExampleHasNoKey(t *testing.T) {
	require.NotRegexp(t, regexp.MustCompile(`[0-9a-fA-F]{32}`), newRootCommand().Example)
}

func TestMetricsMux(t *testing.T) {
	m := metrics.New("test")
	m.Request(metrics.StatusOK, time.Millisecond)
	srv := httptest.NewServer(metricsMux(m))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "shadownet_requests_total")
}

func TestPruneLoop(t *testing.T) {
	db, err := journal.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Record(journal.Entry{Role: journal.RoleAgent, Status: journal.StatusOK, StartedAt: time.Now().Add(-3 * time.Hour)})
	require.NoError(t, err)
	_, err = db.Record(journal.Entry{Role: journal.RoleAgent, Status: journal.StatusOK, StartedAt: time.Now()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// prunes once, then sees ctx done
	pruneLoop(ctx, log.NewWithWriter(io.Discard, logging.CRITICAL).GetLogger("agent"), db, time.Hour)

	list, err := db.Recent(10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
