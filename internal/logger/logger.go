// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup はINFOレベルのJSON構造化ログ出力のslog.Loggerを生成して返す。
func Setup(w io.Writer) *slog.Logger {
	return SetupWithLevel(w, "info")
}

// SetupWithLevel はlevel(debug/info/warn/error)を指定してJSONロガーを生成する。
// 不明な値はINFOとして扱う。
func SetupWithLevel(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	slog.SetDefault(Setup(w))
}

// SetupDefaultWithLevel はレベル指定付きでグローバルロガーを設定し、そのロガーを返す。
func SetupDefaultWithLevel(w io.Writer, level string) *slog.Logger {
	l := SetupWithLevel(w, level)
	slog.SetDefault(l)
	return l
}

// ParseLevel はログレベル文字列をslog.Levelに変換する。
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
