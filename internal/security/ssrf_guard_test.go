package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewSafeClient_Settings(t *testing.T) {
	client := NewSSRFGuard().NewSafeClient(5*time.Second, 1024)
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("SSRF防止用のTransportが設定されていません")
	}
}

// httptestサーバーは127.0.0.1で起動するため、ダイヤル時に拒否される。
func TestNewSafeClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard().NewSafeClient(5*time.Second, 1024)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("ループバックへのリクエストがブロックされませんでした")
	}
}

// roundTripFunc はテスト用のRoundTripper。
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestLimitedTransport_TruncatesBody(t *testing.T) {
	next := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("0123456789"))}, nil
	})
	tr := &limitedTransport{next: next, limit: 4}

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/feed", nil)
	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTripがエラーを返しました: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "0123" {
		t.Errorf("body = %q, want 0123", body)
	}
}

func TestValidateURL(t *testing.T) {
	guard := NewSSRFGuard()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"公開https", "https://www.reuters.com/markets/rss", false},
		{"公開http", "http://feeds.example.com/news.xml", false},
		{"空", "", true},
		{"ftpスキーム", "ftp://example.com/feed", true},
		{"fileスキーム", "file:///etc/passwd", true},
		{"ホストなし", "https://", true},
		{"localhost", "http://LOCALHOST:8080/", true},
		{"ループバック", "http://127.0.0.1/", true},
		{"プライベート10系", "http://10.1.2.3/", true},
		{"プライベート192系", "http://192.168.0.10/", true},
		{"メタデータIP", "http://169.254.169.254/latest/meta-data", true},
		{"IPv6ループバック", "http://[::1]/", true},
		{"ゼロアドレス", "http://0.0.0.0/", true},
		{"公開IP", "http://8.8.8.8/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
