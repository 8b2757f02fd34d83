package app

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestNewRootCommand_RegistersSubcommands(t *testing.T) {
	root := NewRootCommand(&bytes.Buffer{})

	want := []Command{
		CommandServe, CommandWorker, CommandMigrate, CommandFetch, CommandCleanup,
		CommandStats, CommandReanalyze, CommandEnqueue, CommandHealthcheck,
	}
	for _, name := range want {
		cmd, _, err := root.Find([]string{string(name)})
		if err != nil {
			t.Errorf("Find(%q) error = %v", name, err)
			continue
		}
		if cmd.Name() != string(name) {
			t.Errorf("Find(%q) = %q", name, cmd.Name())
		}
	}
}

func TestNewRootCommand_Flags(t *testing.T) {
	root := NewRootCommand(&bytes.Buffer{})

	tests := []struct {
		cmd  Command
		flag string
		def  string
	}{
		{CommandCleanup, "days", "0"},
		{CommandReanalyze, "limit", "0"},
		{CommandReanalyze, "dry-run", "false"},
		{CommandEnqueue, "recent", "20"},
	}
	for _, tt := range tests {
		cmd, _, err := root.Find([]string{string(tt.cmd)})
		if err != nil {
			t.Fatalf("Find(%q) error = %v", tt.cmd, err)
		}
		f := cmd.Flags().Lookup(tt.flag)
		if f == nil {
			t.Errorf("%s: flag --%s is not defined", tt.cmd, tt.flag)
			continue
		}
		if f.DefValue != tt.def {
			t.Errorf("%s --%s default = %q, want %q", tt.cmd, tt.flag, f.DefValue, tt.def)
		}
	}
}

func TestRun_UnknownCommand_ReturnsError(t *testing.T) {
	var buf bytes.Buffer
	if err := Run(context.Background(), &buf, []string{"unknown"}); err == nil {
		t.Fatal("Run with an unknown command should return error")
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandWorker, "worker"},
		{CommandMigrate, "migrate"},
		{CommandHealthcheck, "healthcheck"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"degraded", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/health" {
					t.Errorf("path = %q, want /api/health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			u, err := url.Parse(srv.URL)
			if err != nil {
				t.Fatalf("parse url: %v", err)
			}
			_, port, _ := net.SplitHostPort(u.Host)
			t.Setenv("PORT", port)

			// healthcheck は設定の読み込みを行わないため必須環境変数は不要
			t.Setenv("FINNHUB_API_KEY", "")

			var buf bytes.Buffer
			err = Run(context.Background(), &buf, []string{"healthcheck"})
			if (err != nil) != tt.wantErr {
				t.Errorf("healthcheck error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
