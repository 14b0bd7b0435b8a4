package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"vizrpc/config"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(rpcCalls.WithLabelValues("echo", "ok"))
	RecordCall("echo", "ok", 12*time.Millisecond)
	if got := testutil.ToFloat64(rpcCalls.WithLabelValues("echo", "ok")); got != before+1 {
		t.Fatalf("expect calls counter %v, got %v", before+1, got)
	}

	ConnectionOpened()
	ConnectionClosed()
	RecordFragments("in", 3)
	RecordStreamsAborted(0)
	RecordStreamsAborted(2)
	RecordResponseDropped()
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vizrpc.log")
	logger, err := NewLogger(config.LogConfig{Level: "warn", Format: "json", Outputs: []string{path}}, false)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("visible")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "visible") {
		t.Fatalf("unexpected log contents: %s", data)
	}
}

func TestNewLoggerVerbose(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "error", Outputs: []string{"stderr"}}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatal("expect verbose logger to enable debug")
	}
}
