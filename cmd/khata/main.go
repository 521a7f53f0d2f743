package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"khata/internal/aggregate"
	"khata/internal/app"
	"khata/internal/config"
	"khata/internal/db"
	"khata/internal/domain"
	"khata/internal/engine"
	"khata/internal/logging"
	"khata/internal/migrate"
	"khata/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "khata",
	Short: "Khata grading CLI",
	Long: `Khata hands out idiom translation items to human graders and ranks the models that translated them.
Core concepts:
- Workspace: a directory with khata.yml and the .khata database.
- Item: one idiom with its model predictions; pending until every prediction is graded and submitted.
- Lease: a worker's claim on an item; it expires after lease.ttl and can then be taken over.
- Grade: 0 to 5 per prediction, written one prediction at a time.
- Boards: model and contributor leaderboards plus the active worker list, kept current from the change log.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KHATA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("worker", "", "worker identifier (usually an email)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides logging.level)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("worker", rootCmd.PersistentFlags().Lookup("worker"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create khata.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if projectID == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				projectID = filepath.Base(abs)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"config": path, "database": db.Path(workspace)})
				}
				fmt.Printf("Initialized %s (database %s)\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (defaults to the directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing khata.yml")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				version, dirty, err := migrate.Version(a.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": version, "dirty": dirty})
				}
				fmt.Printf("schema version %d (dirty=%t)\n", version, dirty)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate khata.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import items from a JSON or YAML file",
		Long:  "Imports a list of items, or a map keyed by item id. Items already present are left untouched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			docs, err := app.LoadDocuments(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("worker")
				if actor == "" {
					actor = "seed"
				}
				n, err := a.Seed(ctx, docs, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"read": len(docs), "inserted": n})
				}
				fmt.Printf("Inserted %d of %d items\n", n, len(docs))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file (.json, .yaml)")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Acquire, grade and submit items",
	}
	item.AddCommand(itemAcquireCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemGradeCmd())
	item.AddCommand(itemClearCmd())
	item.AddCommand(itemSubmitCmd())
	item.AddCommand(itemListCmd())
	return item
}

func itemAcquireCmd() *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Lease the next pending item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := engine.Retry(ctx, engine.DefaultRetry, func(ctx context.Context) (domain.WorkItem, error) {
					return e.AcquireWithin(ctx, viper.GetString("worker"), window)
				})
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().IntVar(&window, "window", 0, "scan window (defaults to lease.scan_window)")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <item-id>",
		Short: "Show an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
}

func itemGradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grade <item-id> <prediction-index> <grade>",
		Short: "Grade one prediction of a leased item",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid prediction index %q", args[1])
			}
			grade, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("%w: %q", engine.ErrInvalidGrade, args[2])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.SetGrade(ctx, args[0], viper.GetString("worker"), index, grade)
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
}

func itemClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <item-id> <prediction-index>",
		Short: "Remove one prediction's grade",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid prediction index %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.ClearGrade(ctx, args[0], viper.GetString("worker"), index)
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
}

func itemSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <item-id>",
		Short: "Submit a fully graded item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Submit(ctx, args[0], viper.GetString("worker"))
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
}

func itemListCmd() *cobra.Command {
	var status, after string
	var desc, mine bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStatus(status)
			if err != nil {
				return err
			}
			if status == "" {
				st = ""
			}
			opts := engine.ListOptions{Status: st, Desc: desc, AfterID: after, Limit: limit}
			if mine {
				opts.HeldBy = viper.GetString("worker")
				if opts.HeldBy == "" {
					return engine.ErrWorkerRequired
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.List(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					docs := make([]domain.Document, 0, len(items))
					for _, it := range items {
						docs = append(docs, domain.DocumentFrom(it))
					}
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Idiom", "Status", "Graded", "Holder", "Completed By"})
				for _, it := range items {
					holder := ""
					if it.Lease.Held {
						holder = it.Lease.Holder
					}
					graded := fmt.Sprintf("%d/%d", len(it.Predictions)-it.MissingGrades(), len(it.Predictions))
					tw.AppendRow(table.Row{it.ID, it.Content.Idiom, it.Status, graded, holder, it.CompletedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, done)")
	cmd.Flags().StringVar(&after, "after", "", "start after this id")
	cmd.Flags().BoolVar(&desc, "desc", false, "newest id first")
	cmd.Flags().BoolVar(&mine, "mine", false, "only items leased by --worker")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items")
	return cmd
}

func boardCmd() *cobra.Command {
	board := &cobra.Command{
		Use:   "board",
		Short: "Show leaderboards and active workers",
	}
	var limit int
	board.PersistentFlags().IntVar(&limit, "limit", 0, "maximum rows, all when zero")

	board.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "Models ranked by total score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViews(cmd.Context(), func(v aggregate.Views) error {
				rows := head(v.Models, limit)
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Model", "Total", "Graded", "Average", "Percent"})
				for i, m := range rows {
					tw.AppendRow(table.Row{i + 1, m.Model, m.TotalScore, m.GradedCount, fmt.Sprintf("%.2f", m.AverageScore), fmt.Sprintf("%.1f%%", m.Percent)})
				}
				tw.Render()
				return nil
			})
		},
	})
	board.AddCommand(&cobra.Command{
		Use:   "contributors",
		Short: "Workers ranked by completed items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViews(cmd.Context(), func(v aggregate.Views) error {
				rows := head(v.Contributors, limit)
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Worker", "Completed", "Last Hour Bucket"})
				for i, c := range rows {
					last := ""
					if n := len(c.Hourly); n > 0 {
						last = fmt.Sprintf("%s (%d)", c.Hourly[n-1].Hour.Format("2006-01-02 15:00"), c.Hourly[n-1].Count)
					}
					tw.AppendRow(table.Row{i + 1, c.Worker, c.TotalCompleted, last})
				}
				tw.Render()
				return nil
			})
		},
	})
	board.AddCommand(&cobra.Command{
		Use:   "active",
		Short: "Workers currently holding leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViews(cmd.Context(), func(v aggregate.Views) error {
				if viper.GetBool("json") {
					return printJSON(v.Active)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Worker", "Item", "Acquired", "Expired"})
				for _, w := range v.Active {
					for _, held := range w.Items {
						tw.AppendRow(table.Row{w.Worker, held.ItemID, held.AcquiredAt.Format(time.RFC3339), held.Expired})
					}
				}
				tw.Render()
				return nil
			})
		},
	})
	board.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Item totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViews(cmd.Context(), func(v aggregate.Views) error {
				if viper.GetBool("json") {
					return printJSON(v.Totals)
				}
				fmt.Printf("Items: %d (done %d, pending %d)\n", v.Totals.Total, v.Totals.Done, v.Totals.Pending)
				return nil
			})
		},
	})
	return board
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Inspect the change log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, itemID string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, 0, itemID, evtType)
				if err != nil {
					return err
				}
				for i := len(events) - 1; i >= 0; i-- {
					if err := printEvent(events[i]); err != nil {
						return err
					}
				}
				if !follow {
					return nil
				}
				cursor, err := a.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				err = a.Feed.Tail(ctx, cursor, func(evt domain.Event) error {
					if (itemID != "" && evt.ItemID != itemID) || (evtType != "" && evt.Type != evtType) {
						return nil
					}
					return printEvent(evt)
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&itemID, "item", "", "item id filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new changes")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:               viper.GetString("jwt-secret"),
					AllowLegacyWorkerHeader: cfg.Auth.AllowLegacyWorkerHeader,
					DevLogin:                cfg.Auth.DevLogin,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("KHATA_JWT_SECRET is required for bearer auth")
				}
				closeRelay, err := a.Background(ctx)
				if err != nil {
					return err
				}
				defer closeRelay()
				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					Aggregator:  a.Aggregator,
					Events:      a.Repo,
					Feed:        a.Feed,
					BasePath:    basePath,
					Auth:        authCfg,
					CORSOrigins: cfg.Server.CORS.AllowedOrigins,
					Log:         a.Log.With().Str("component", "http").Logger(),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving khata api (OpenAPI at openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

// --- helpers ---

func newLogger(cfg *config.Config) zerolog.Logger {
	level := cfg.Logging.Level
	if override := viper.GetString("log-level"); override != "" {
		level = override
	}
	return logging.New(level, cfg.Logging.Pretty)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	a, err := app.Open(workspace, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func withViews(ctx context.Context, fn func(aggregate.Views) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if err := a.Aggregator.Refresh(ctx); err != nil {
			return err
		}
		return fn(a.Aggregator.Views())
	})
}

func head[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func printItem(it domain.WorkItem) error {
	if viper.GetBool("json") {
		return printJSON(domain.DocumentFrom(it))
	}
	fmt.Printf("Item %s [%s] v%d\n", it.ID, it.Status, it.Version)
	fmt.Printf("  Idiom: %s\n", it.Content.Idiom)
	if it.Content.LiteralMeaning != "" {
		fmt.Printf("  Literal: %s\n", it.Content.LiteralMeaning)
	}
	if it.Lease.Held {
		fmt.Printf("  Leased by %s at %s\n", it.Lease.Holder, domain.FormatTime(it.Lease.AcquiredAt))
	}
	if it.Done() {
		fmt.Printf("  Completed by %s at %s\n", it.CompletedBy, domain.FormatTime(it.CompletedAt))
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Model", "Prediction", "Grade"})
	for i, p := range it.Predictions {
		tw.AppendRow(table.Row{i, p.Model, p.Text, p.Grade.String()})
	}
	tw.Render()
	return nil
}

func printEvent(evt domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(evt)
	}
	fmt.Printf("%d %s %-20s %s by %s (v%d)\n", evt.ID, evt.TS, evt.Type, evt.ItemID, evt.ActorID, evt.Version)
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
