// Package logger はJSON構造化ログのセットアップを提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName は全ログに付与するサービス名。
const ServiceName = "theqrcode"

// ParseLevel はLOG_LEVELの値をslog.Levelに変換する。解釈できない場合はINFO。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// modeにはserve・workerなどの起動モードを渡し、どのプロセスのログかを区別できるようにする。
func Setup(w io.Writer, level slog.Level, mode string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	l := slog.New(handler).With(slog.String("service", ServiceName))
	if mode != "" {
		l = l.With(slog.String("mode", mode))
	}
	return l
}

// SetupDefault はLOG_LEVEL環境変数に従ったロガーを生成し、グローバルロガーとしても設定する。
// wがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer, mode string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := Setup(w, ParseLevel(os.Getenv("LOG_LEVEL")), mode)
	slog.SetDefault(l)
	return l
}
