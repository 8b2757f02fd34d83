package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/trendboard/internal/config"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandFetch はパイプラインを1回実行することを示す。
	CommandFetch Command = "fetch"
	// CommandCleanup はクォータ制御を1回実行することを示す。
	CommandCleanup Command = "cleanup"
	// CommandStats はストレージ使用状況を出力することを示す。
	CommandStats Command = "stats"
	// CommandReanalyze はセンチメントの再計算を示す。
	CommandReanalyze Command = "reanalyze"
	// CommandEnqueue は記事の再エンリッチメント登録を示す。
	CommandEnqueue Command = "enqueue"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドを省略した場合はserveとして起動する。
// ログはwに出力する。
func Run(ctx context.Context, w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand はサブコマンドを登録したルートコマンドを返す。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "trendboard",
		Short:         "Financial news aggregation and enrichment service",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: withConfig(w, CommandServe, func(cmd *cobra.Command, cfg *config.Config) error {
			return runServe(cmd.Context(), cfg)
		}),
	}

	root.AddCommand(
		&cobra.Command{
			Use:   string(CommandServe),
			Short: "Start the HTTP API (plus cron scheduler and worker when enabled)",
			Args:  cobra.NoArgs,
			RunE: withConfig(w, CommandServe, func(cmd *cobra.Command, cfg *config.Config) error {
				return runServe(cmd.Context(), cfg)
			}),
		},
		&cobra.Command{
			Use:   string(CommandWorker),
			Short: "Start the enrichment queue worker",
			Args:  cobra.NoArgs,
			RunE: withConfig(w, CommandWorker, func(cmd *cobra.Command, cfg *config.Config) error {
				return runWorker(cmd.Context(), cfg)
			}),
		},
		&cobra.Command{
			Use:   string(CommandMigrate),
			Short: "Apply database migrations",
			Args:  cobra.NoArgs,
			RunE: withConfig(w, CommandMigrate, func(cmd *cobra.Command, cfg *config.Config) error {
				return runMigrate(cfg)
			}),
		},
		&cobra.Command{
			Use:   string(CommandFetch),
			Short: "Run the fetch pipeline once and print the result",
			Args:  cobra.NoArgs,
			RunE: withConfig(w, CommandFetch, func(cmd *cobra.Command, cfg *config.Config) error {
				return runFetch(cmd.Context(), cfg, cmd.OutOrStdout())
			}),
		},
		newCleanupCommand(w),
		&cobra.Command{
			Use:   string(CommandStats),
			Short: "Print storage statistics",
			Args:  cobra.NoArgs,
			RunE: withConfig(w, CommandStats, func(cmd *cobra.Command, cfg *config.Config) error {
				return runStats(cmd.Context(), cfg, cmd.OutOrStdout())
			}),
		},
		newReanalyzeCommand(w),
		newEnqueueCommand(w),
		&cobra.Command{
			Use:   string(CommandHealthcheck),
			Short: "Probe the local /api/health endpoint",
			Args:  cobra.NoArgs,
			// 軽量サブコマンドのため、フル初期化をスキップする
			RunE: func(cmd *cobra.Command, args []string) error {
				port := os.Getenv("PORT")
				if port == "" {
					port = "5000"
				}
				return runHealthcheck(cmd.Context(), port)
			},
		},
	)

	return root
}

func newCleanupCommand(w io.Writer) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   string(CommandCleanup),
		Short: "Run the quota enforcer once",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, CommandCleanup, func(cmd *cobra.Command, cfg *config.Config) error {
			return runCleanup(cmd.Context(), cfg, days, cmd.OutOrStdout())
		}),
	}
	cmd.Flags().IntVar(&days, "days", 0, "override the retention window in days")
	return cmd
}

func newReanalyzeCommand(w io.Writer) *cobra.Command {
	var (
		limit  int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   string(CommandReanalyze),
		Short: "Recompute article sentiment with the keyword classifier",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, CommandReanalyze, func(cmd *cobra.Command, cfg *config.Config) error {
			return runReanalyze(cmd.Context(), cfg, limit, dryRun, cmd.OutOrStdout())
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "number of newest articles to scan (0 = all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without writing them")
	return cmd
}

func newEnqueueCommand(w io.Writer) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   string(CommandEnqueue) + " [article-id...]",
		Short: "Enqueue articles for asynchronous AI enrichment",
		RunE: withConfig(w, CommandEnqueue, func(cmd *cobra.Command, cfg *config.Config) error {
			return runEnqueue(cmd.Context(), cfg, cmd.Flags().Args(), recent, cmd.OutOrStdout())
		}),
	}
	cmd.Flags().IntVar(&recent, "recent", 20, "number of newest articles to enqueue when no ids are given")
	return cmd
}

// withConfig は設定の読み込みとログの初期化を行ってからfnを実行するRunEを返す。
func withConfig(w io.Writer, name Command, fn func(cmd *cobra.Command, cfg *config.Config) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := Init(w)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}

		slog.Info("starting application",
			slog.String("command", string(name)),
			slog.String("backend", cfg.StoreBackend),
			slog.String("port", cfg.ServerPort),
		)
		return fn(cmd, cfg)
	}
}
