package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/billing"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic appointment and billing API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(availabilityCmd())
	rootCmd.AddCommand(exportChargesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir, cfg.DBSchema)
			fmt.Printf("Running migrations on schema: %s\n", cfg.DBSchema)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir, cfg.DBSchema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", cfg.DBSchema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func availabilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "availability",
		Short: "Print the free slots of a clinician on a date as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := availabilityQuery(cmd)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer a.Close()

			av, err := a.scheduling.GetAvailableSlots(ctx, q)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(av, "", "  ")
			if err != nil {
				return fmt.Errorf("encode availability: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().String("clinician", "", "Clinician ID")
	cmd.Flags().String("branch", "", "Branch ID (optional)")
	cmd.Flags().String("date", "", "Date in YYYY-MM-DD format")
	cmd.MarkFlagRequired("clinician")
	cmd.MarkFlagRequired("date")
	return cmd
}

func availabilityQuery(cmd *cobra.Command) (scheduling.AvailabilityQuery, error) {
	var q scheduling.AvailabilityQuery
	raw, _ := cmd.Flags().GetString("clinician")
	clinicianID, err := uuid.Parse(raw)
	if err != nil {
		return q, fmt.Errorf("--clinician must be a UUID: %w", err)
	}
	q.ClinicianID = clinicianID

	if raw, _ := cmd.Flags().GetString("branch"); raw != "" {
		branchID, err := uuid.Parse(raw)
		if err != nil {
			return q, fmt.Errorf("--branch must be a UUID: %w", err)
		}
		q.BranchID = &branchID
	}

	raw, _ = cmd.Flags().GetString("date")
	date, err := scheduling.ParseDate(raw)
	if err != nil {
		return q, fmt.Errorf("--date: %w", err)
	}
	q.Date = date
	return q, nil
}

func exportChargesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-charges",
		Short: "Write the charges of a date range to the export store as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f billing.ChargeFilter
			for _, name := range []string{"from", "to"} {
				raw, _ := cmd.Flags().GetString(name)
				d, err := scheduling.ParseDate(raw)
				if err != nil {
					return fmt.Errorf("--%s: %w", name, err)
				}
				if name == "from" {
					f.From = &d
				} else {
					f.To = &d
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer a.Close()

			obj, err := a.billing.ExportCharges(ctx, f)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(obj, "", "  ")
			if err != nil {
				return fmt.Errorf("encode export: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().String("from", "", "First date in YYYY-MM-DD format")
	cmd.Flags().String("to", "", "Last date in YYYY-MM-DD format")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise application")
	}
	defer a.Close()

	e := newServer(a)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.Storage).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
