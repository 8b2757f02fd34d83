package security

import "testing"

func TestSanitize(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "空文字列", input: "", want: ""},
		{name: "プレーンテキストはそのまま", input: "Apple shares rise 3%", want: "Apple shares rise 3%"},
		{name: "タグが除去される", input: "<p>Fed <strong>holds</strong> rates</p>", want: "Fed holds rates"},
		{name: "scriptは中身ごと除去される", input: "ok<script>alert('x')</script>", want: "ok"},
		{name: "エンティティが復元される", input: "S&amp;P 500 &gt; 5000", want: "S&P 500 > 5000"},
		{name: "空白がまとめられる", input: "  line1\n\n  line2\t", want: "line1 line2"},
		{name: "イベント属性ごと除去される", input: `<img src="x" onerror="alert(1)">chart`, want: "chart"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()
	input := "<b>Bitcoin</b> &amp; <i>Ethereum</i> rally"
	once := sanitizer.Sanitize(input)
	if twice := sanitizer.Sanitize(once); twice != once {
		t.Errorf("2回目のサニタイズで結果が変わりました: %q -> %q", once, twice)
	}
}
