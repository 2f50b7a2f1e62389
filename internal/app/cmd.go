package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/libris/internal/config"
	"github.com/hitoshi/libris/internal/importer"
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
	// CommandSeed は初期データを投入することを示す。
	CommandSeed Command = "seed"
	// CommandImportFeed はフィードから蔵書を取り込むことを示す。
	CommandImportFeed Command = "import-feed"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// NewRootCommand はlibrisのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして起動する。
// wはログの出力先。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "libris",
		Short:         "Library catalog and lending tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(w, CommandServe, runServe)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   string(CommandServe),
			Short: "Start the API server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(w, CommandServe, runServe)
			},
		},
		&cobra.Command{
			Use:   string(CommandWorker),
			Short: "Run background jobs (expired session cleanup)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(w, CommandWorker, runWorker)
			},
		},
		&cobra.Command{
			Use:   string(CommandMigrate),
			Short: "Apply pending database migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(w, CommandMigrate, runMigrate)
			},
		},
		&cobra.Command{
			Use:   string(CommandSeed),
			Short: "Insert development users, tags and books",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(w, CommandSeed, func(cfg *config.Config) error {
					return runSeed(cmd.Context(), cfg)
				})
			},
		},
		newImportFeedCommand(w),
		&cobra.Command{
			Use:   string(CommandHealthcheck),
			Short: "Probe the local /health endpoint",
			Args:  cobra.NoArgs,
			// 軽量サブコマンドのため、フル初期化をスキップする
			RunE: func(cmd *cobra.Command, args []string) error {
				port := os.Getenv("SERVER_PORT")
				if port == "" {
					port = "8080"
				}
				return runHealthcheck(port)
			},
		},
	)

	return root
}

// newImportFeedCommand はimport-feedサブコマンドを生成する。
func newImportFeedCommand(w io.Writer) *cobra.Command {
	var (
		feedURL    string
		actorEmail string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   string(CommandImportFeed),
		Short: "Import books from an RSS/Atom feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(w, CommandImportFeed, func(cfg *config.Config) error {
				return runImportFeed(cmd.Context(), cfg, cmd.OutOrStdout(), feedURL, actorEmail, limit)
			})
		},
	}

	cmd.Flags().StringVar(&feedURL, "url", "", "feed or site URL to import from")
	cmd.Flags().StringVar(&actorEmail, "actor-email", "", "email of the librarian or admin performing the import")
	cmd.Flags().IntVar(&limit, "limit", importer.DefaultLimit, fmt.Sprintf("maximum number of entries (up to %d)", importer.MaxLimit))
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("actor-email")

	return cmd
}

// withConfig は設定を読み込んでからrunを実行する。
func withConfig(w io.Writer, command Command, run func(cfg *config.Config) error) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(command)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)
	return run(cfg)
}
