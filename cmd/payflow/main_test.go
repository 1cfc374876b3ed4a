package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/errand-pay/internal/sandbox"
)

func sandboxEnv(t *testing.T) *sandbox.Store {
	t.Helper()
	store := sandbox.NewStore(decimal.NewFromInt(500))
	srv := httptest.NewServer(sandbox.NewRouter(sandbox.Config{Store: store, Logger: zerolog.Nop()}))
	t.Cleanup(srv.Close)

	t.Setenv("PAYFLOW_BACKEND_URL", srv.URL)
	t.Setenv("REDIS_URL", "")
	t.Setenv("SIGNAL_WEBHOOK_URL", "")
	t.Setenv("OBS_METRICS_ADDR", "")
	t.Setenv("OBS_ENABLE_TRACING", "false")
	t.Setenv("OBS_LOG_LEVEL", "error")
	return store
}

func TestRunWithoutCommandPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, exitUsage, code)
	require.Contains(t, stderr.String(), "usage: payflow")
}

func TestRunUnknownCommand(t *testing.T) {
	sandboxEnv(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"refund"}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, exitUsage, code)
	require.Contains(t, stderr.String(), `unknown command "refund"`)
}

func TestRunCashTaskPayment(t *testing.T) {
	sandboxEnv(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"run", "-task", "task-1", "-method", "cod", "-price", "500"}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	require.Contains(t, stdout.String(), "task price ₱500.00 + service fee ₱50.00 = ₱550.00")
	require.Contains(t, stdout.String(), `"outcome":"pending"`)
	require.Contains(t, stdout.String(), "payment.pending")
}

func TestRunRejectsMissingTask(t *testing.T) {
	sandboxEnv(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"run", "-method", "gcash"}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, exitUsage, code)
	require.Contains(t, stderr.String(), "-task is required")
}

func TestDetailsAndReceipt(t *testing.T) {
	store := sandboxEnv(t)
	p := store.CreateTaskPayment("task-2", "cod", decimal.RequireFromString("550"))

	var stdout, stderr bytes.Buffer
	code := run([]string{"details", "-payment", p.ID}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	require.Contains(t, stdout.String(), `"amount": "550.00"`)

	stdout.Reset()
	code = run([]string{"receipt", "-payment", p.ID, "-out", "-"}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	require.Contains(t, stdout.String(), "Receipt Number: "+p.ID)
	require.Contains(t, stdout.String(), "Cash on Delivery")
}

func TestReplayNeedsRedis(t *testing.T) {
	sandboxEnv(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"replay", "-task", "task-3"}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, exitUsage, code)
	require.Contains(t, stderr.String(), "REDIS_URL")
}
