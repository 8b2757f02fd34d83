package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// runCommand はルートコマンドを実行し、標準出力とログを返す。
func runCommand(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	root := NewRootCommand(&logs)
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), logs.String(), err
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("FINNHUB_API_KEY", "")

	var buf bytes.Buffer
	err := Run(context.Background(), &buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
	if !strings.Contains(err.Error(), "FINNHUB_API_KEY") {
		t.Errorf("error = %v, want it to name FINNHUB_API_KEY", err)
	}
}

func TestRun_Stats_MemoryBackend(t *testing.T) {
	setTestEnv(t)

	out, _, err := runCommand(t, context.Background(), "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	var stats struct {
		TotalDocuments int `json:"totalDocuments"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("stats output is not JSON: %v\n%s", err, out)
	}
	if stats.TotalDocuments != 0 {
		t.Errorf("totalDocuments = %d, want 0", stats.TotalDocuments)
	}
}

func TestRun_Cleanup_MemoryBackend(t *testing.T) {
	setTestEnv(t)

	out, _, err := runCommand(t, context.Background(), "cleanup", "--days", "7")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	var res struct {
		RetentionDeleted int `json:"retentionDeleted"`
		LimitDeleted     int `json:"limitDeleted"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("cleanup output is not JSON: %v\n%s", err, out)
	}
	if res.RetentionDeleted != 0 || res.LimitDeleted != 0 {
		t.Errorf("result = %+v, want nothing deleted on an empty store", res)
	}
}

func TestRun_Reanalyze_DryRun(t *testing.T) {
	setTestEnv(t)

	out, _, err := runCommand(t, context.Background(), "reanalyze", "--dry-run")
	if err != nil {
		t.Fatalf("reanalyze: %v", err)
	}
	if !strings.Contains(out, `"scanned": 0`) {
		t.Errorf("output = %s, want scanned 0", out)
	}
}

func TestRun_Enqueue_IDs(t *testing.T) {
	setTestEnv(t)

	out, _, err := runCommand(t, context.Background(), "enqueue", "a1", "a2")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var res enqueueResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("enqueue output is not JSON: %v\n%s", err, out)
	}
	if len(res.Enqueued) != 2 || res.Enqueued[0] != "a1" || res.Enqueued[1] != "a2" {
		t.Errorf("enqueued = %v, want [a1 a2]", res.Enqueued)
	}
}

func TestRun_Migrate_SkipsNonPostgres(t *testing.T) {
	setTestEnv(t)

	_, logs, err := runCommand(t, context.Background(), "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(logs, "only needed for the postgres backend") {
		t.Errorf("logs = %s", logs)
	}
}

func TestRun_Serve_StopsOnCancel(t *testing.T) {
	setTestEnv(t)
	t.Setenv("PORT", "0")
	t.Setenv("ENABLE_WORKER", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	var logs string
	go func() {
		var err error
		_, logs, err = runCommand(t, ctx, "serve")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after context cancellation")
	}

	if !strings.Contains(logs, "API server stopped gracefully") {
		t.Errorf("graceful shutdown should be logged, got: %s", logs)
	}
}

func TestRun_Worker_StopsOnCancel(t *testing.T) {
	setTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := runCommand(t, ctx, "worker")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
