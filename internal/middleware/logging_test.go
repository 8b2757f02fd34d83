package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/trendboard/internal/metrics"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// httpRecord はRecordHTTPRequestの呼び出し内容。
type httpRecord struct {
	method string
	route  string
	status int
}

// mockCollector はHTTPメトリクスの記録内容を保持するMetricsCollector。
type mockCollector struct {
	metrics.Nop
	mu      sync.Mutex
	records []httpRecord
}

func (m *mockCollector) RecordHTTPRequest(method, route string, statusCode int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, httpRecord{method, route, statusCode})
}

// TestLoggingMiddleware_LogsRequestFields はリクエストログに必要なフィールドが含まれることを検証する。
func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer

	handler := NewLoggingMiddleware(newTestLogger(&buf), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/news/articles", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %q, want %q", entry["msg"], "http_request")
	}
	if entry["method"] != "GET" {
		t.Errorf("method = %q, want %q", entry["method"], "GET")
	}
	if entry["path"] != "/api/news/articles" {
		t.Errorf("path = %q, want %q", entry["path"], "/api/news/articles")
	}
	if status, ok := entry["status"].(float64); !ok || status != 200 {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected 'duration_ms' field in log entry")
	}
	if entry["route"] != "unmatched" {
		t.Errorf("route = %q, want unmatched outside chi", entry["route"])
	}
}

// TestLoggingMiddleware_CapturesStatusCode はステータスコードとログレベルが正しく記録されることを検証する。
func TestLoggingMiddleware_CapturesStatusCode(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		level      string
	}{
		{"200 OK", http.StatusOK, "INFO"},
		{"404 Not Found", http.StatusNotFound, "WARN"},
		{"429 Too Many Requests", http.StatusTooManyRequests, "WARN"},
		{"500 Internal Server Error", http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			handler := NewLoggingMiddleware(newTestLogger(&buf), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse JSON log: %v", err)
			}

			if status := int(entry["status"].(float64)); status != tt.statusCode {
				t.Errorf("status = %d, want %d", status, tt.statusCode)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %q, want %q", entry["level"], tt.level)
			}
		})
	}
}

// TestLoggingMiddleware_RecordsRoutePattern はchiのルートパターンでメトリクスを記録することを検証する。
func TestLoggingMiddleware_RecordsRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	collector := &mockCollector{}

	r := chi.NewRouter()
	r.Use(NewLoggingMiddleware(newTestLogger(&buf), collector))
	r.Get("/api/news/article/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/news/article/abc-123", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if len(collector.records) != 1 {
		t.Fatalf("records = %d, want 1", len(collector.records))
	}
	got := collector.records[0]
	want := httpRecord{http.MethodGet, "/api/news/article/{id}", http.StatusNotFound}
	if got != want {
		t.Errorf("record = %+v, want %+v", got, want)
	}
}

// TestLoggingMiddleware_ImplicitOK はWriteHeaderを呼ばないハンドラーを200として記録することを検証する。
func TestLoggingMiddleware_ImplicitOK(t *testing.T) {
	var buf bytes.Buffer
	collector := &mockCollector{}

	handler := NewLoggingMiddleware(newTestLogger(&buf), collector)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if len(collector.records) != 1 || collector.records[0].status != http.StatusOK {
		t.Errorf("records = %+v, want one 200", collector.records)
	}
}
