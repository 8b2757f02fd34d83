// Command trendboard は金融ニュースの収集・エンリッチメント・配信を行うサービス。
//
// サブコマンドを省略した場合はAPIサーバーとして起動する。
//
//	trendboard serve        APIサーバー（ENABLE_CRON/ENABLE_WORKERで同居起動）
//	trendboard worker       エンリッチメントワーカー
//	trendboard migrate      データベースマイグレーション
//	trendboard fetch        パイプラインを1回実行
//	trendboard cleanup      クォータ制御を1回実行
//	trendboard stats        ストレージ使用状況
//	trendboard reanalyze    センチメント再計算
//	trendboard enqueue      エンリッチメントジョブ登録
//	trendboard healthcheck  Dockerヘルスチェック
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hitoshi/trendboard/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
