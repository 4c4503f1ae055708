package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/orsched/internal/config"
	"github.com/ehr/orsched/internal/domain/orschedule"
	"github.com/ehr/orsched/internal/platform/db"
	"github.com/ehr/orsched/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "orsched-server",
		Short:         "Operating room scheduling and optimization server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(optimizeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e := a.router()
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Str("lock", cfg.LockBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage tenant schemas",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, pool db.Conn, tenant string) error) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.StoreBackend != config.StorePostgres {
			return fmt.Errorf("migrations need STORE_BACKEND=%s", config.StorePostgres)
		}
		if tenant == "" {
			tenant = cfg.DefaultTenant
		}

		ctx := context.Background()
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2, ApplicationName: "orsched-migrate"})
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.FS), pool, tenant)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Create the tenant schema if needed and apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, pool db.Conn, tenant string) error {
				schema, err := db.CreateTenantSchema(ctx, pool, tenant, nil)
				if err != nil {
					return err
				}
				n, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to %s.\n", n, schema)
				return nil
			})
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, pool db.Conn, tenant string) error {
				schema, err := db.CreateTenantSchema(ctx, pool, tenant, nil)
				if err != nil {
					return err
				}
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func optimizeCmd() *cobra.Command {
	var (
		date   string
		goal   string
		tenant string
		apply  bool
		rooms  []string
		budget int
	)
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Compute (and optionally apply) an optimization proposal for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			req, err := buildOptimizeRequest(a.engine.Options().Location, date, goal, rooms, budget)
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			ctx, release, err := a.tenantContext(ctx, tenant)
			if err != nil {
				return err
			}
			defer release()

			proposal, err := a.engine.Optimize(ctx, req)
			if err != nil {
				return err
			}
			out := map[string]any{"proposal": proposal}
			if apply && len(proposal.Moves) > 0 {
				applied, err := a.engine.ApplyProposal(ctx, proposal)
				if err != nil {
					return err
				}
				out["applied"] = applied
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Target date (YYYY-MM-DD), required")
	cmd.Flags().StringVar(&goal, "goal", string(orschedule.GoalMinimizeIdle), "minimize_idle | maximize_utilization | minimize_overtime")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.Flags().BoolVar(&apply, "apply", false, "Apply the proposal after computing it")
	cmd.Flags().StringSliceVar(&rooms, "room", nil, "Restrict to these room ids (repeatable)")
	cmd.Flags().IntVar(&budget, "max-changes", 0, "Maximum number of moves (0 uses OPTIMIZER_MAX_CHANGES)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func buildOptimizeRequest(loc *time.Location, date, goal string, rooms []string, maxChanges int) (orschedule.OptimizeRequest, error) {
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return orschedule.OptimizeRequest{}, fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}
	g := orschedule.Goal(goal)
	if !g.Valid() {
		return orschedule.OptimizeRequest{}, fmt.Errorf("unknown goal %q", goal)
	}
	req := orschedule.OptimizeRequest{TargetDate: day, Goal: g}
	for _, r := range rooms {
		id, err := uuid.Parse(r)
		if err != nil {
			return orschedule.OptimizeRequest{}, fmt.Errorf("--room %q: %w", r, err)
		}
		req.RoomIDs = append(req.RoomIDs, id)
	}
	if maxChanges > 0 {
		req.MaxChanges = &maxChanges
	}
	return req, nil
}
