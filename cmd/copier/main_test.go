package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/copytrader/internal/domain/auditstore"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/infra/config"
	"github.com/coachpo/copytrader/internal/infra/persistence/postgres"
)

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, "config/app.yaml", resolveConfigPath(""))
	require.Equal(t, "/etc/copier.yaml", resolveConfigPath("/etc/copier.yaml"))
}

func TestReplicationConfigFromAppConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.OrderType = "limit"
	cfg.Engine.FanoutConcurrency = 3

	rc := replicationConfig(cfg)
	require.Equal(t, copytrade.OrderTypeLimit, rc.OrderType)
	require.Equal(t, 3, rc.Concurrency)
	require.EqualValues(t, 4, rc.Precision)
	require.Equal(t, "linear", rc.Category)
	require.Equal(t, 5*time.Second, rc.OrderTimeout)
}

func TestRegistryConfigCarriesRetryPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MonitoredInstruments = []string{"BTCUSDT"}

	rc := registryConfig(cfg.Engine)
	require.Equal(t, 10*time.Second, rc.PollInterval)
	require.Equal(t, 3, rc.StoreRetry.MaxAttempts)
	require.Equal(t, 200*time.Millisecond, rc.StoreRetry.InitialInterval)
	require.Equal(t, []string{"BTCUSDT"}, rc.DefaultInstruments)
}

func TestExchangeOptionsCopiesSettings(t *testing.T) {
	cfg := config.Default().Exchange
	cfg.RESTURL = "https://rest.example.test"
	opts := exchangeOptions(cfg, nil)
	require.Equal(t, "https://rest.example.test", opts.RESTURL)
	require.Equal(t, 20*time.Second, opts.PingInterval)
	require.Equal(t, 10.0, opts.RequestsPerSecond)
}

func TestBuildSinkWithoutKafkaUsesPostgresOnly(t *testing.T) {
	pg := postgres.New(nil)
	sink := buildSink(pg, nil)
	_, isMulti := sink.(auditstore.MultiSink)
	require.False(t, isMulti)
}

func TestBuildResolverWithoutRedisUsesCredentialTable(t *testing.T) {
	pg := postgres.New(nil)
	require.Equal(t, pg.Credentials, buildResolver(pg, nil, config.RedisConfig{}))
}

func TestWaitForTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)
	err := waitFor(ctx, func() { <-block })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, waitFor(context.Background(), func() {}))
}

func TestGracefulShutdownRunsClosersInOrder(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	var order []string
	cancelled := false

	performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{
		mainCancel: func() { cancelled = true },
		closers: []namedCloser{
			{name: "first", fn: func() error { order = append(order, "first"); return nil }},
			{name: "second", fn: func() error { order = append(order, "second"); return errors.New("boom") }},
		},
	})

	require.True(t, cancelled)
	require.Equal(t, []string{"first", "second"}, order)
	require.Contains(t, buf.String(), "shutdown: first completed")
	require.Contains(t, buf.String(), "shutdown: second failed: boom")
}
