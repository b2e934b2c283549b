package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"gorm.io/gorm"

	"github.com/OpenNSW/caseflow/internal/auth"
	"github.com/OpenNSW/caseflow/internal/config"
	"github.com/OpenNSW/caseflow/internal/database"
	"github.com/OpenNSW/caseflow/internal/logging"
	"github.com/OpenNSW/caseflow/internal/workflow"
	"github.com/OpenNSW/caseflow/internal/workflow/seed"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cmd := &cli.Command{
		Name:  "caseflow",
		Usage: "Workflow step-transition engine for alert investigations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Optional dotenv file loaded before reading the environment",
				Value: ".env",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if err := godotenv.Load(c.String("env-file")); err != nil && !errors.Is(err, os.ErrNotExist) {
				return ctx, fmt.Errorf("failed to load %s: %w", c.String("env-file"), err)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, the notification workers and the SLA monitor",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Create or update the database schema",
				Action: migrate,
			},
			{
				Name:  "seed",
				Usage: "Load workflows, policies and users from a YAML file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "Seed document",
						Required: true,
						Sources:  cli.EnvVars("SEED_FILE"),
					},
				},
				Action: seedDatabase,
			},
			{
				Name:   "sla-sweep",
				Usage:  "Run one SLA sweep and exit",
				Action: sweep,
			},
			{
				Name:  "token",
				Usage: "Issue a bearer token for a user",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "User ID placed in the sub claim", Required: true},
					&cli.StringFlag{Name: "name", Usage: "Display name"},
				},
				Action: issueToken,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// setup loads the configuration, configures logging and opens the database.
func setup() (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	slog.Info("configuration loaded successfully",
		"db_driver", cfg.Database.Driver,
		"db_host", cfg.Database.Host,
		"db_name", cfg.Database.Name,
		"storage", cfg.Storage.Type,
		"cache", cfg.Cache.Backend,
		"broker", cfg.Broker.Driver,
	)

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.HealthCheck(db); err != nil {
		_ = database.Close(db)
		return nil, nil, fmt.Errorf("database health check failed: %w", err)
	}
	return cfg, db, nil
}

func closeDB(db *gorm.DB) {
	if err := database.Close(db); err != nil {
		slog.Error("failed to close database", "error", err)
	}
}

func serve(ctx context.Context, _ *cli.Command) error {
	cfg, db, err := setup()
	if err != nil {
		return err
	}
	defer closeDB(db)

	gin.SetMode(gin.ReleaseMode)
	wm, err := workflow.NewManager(ctx, cfg, db)
	if err != nil {
		return err
	}
	if err := wm.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           wm.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server...")
	case err := <-serveErr:
		if err != nil {
			slog.Error("failed to start server", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	} else {
		slog.Info("server gracefully stopped")
	}
	if err := wm.Shutdown(shutdownCtx); err != nil {
		slog.Error("workflow manager shutdown incomplete", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func migrate(_ context.Context, _ *cli.Command) error {
	_, db, err := setup()
	if err != nil {
		return err
	}
	defer closeDB(db)

	if err := database.Migrate(db); err != nil {
		return err
	}
	slog.Info("database schema is up to date")
	return nil
}

func seedDatabase(ctx context.Context, c *cli.Command) error {
	cfg, db, err := setup()
	if err != nil {
		return err
	}
	defer closeDB(db)

	f, err := seed.Load(c.String("file"))
	if err != nil {
		return err
	}
	wm, err := workflow.NewManager(ctx, cfg, db)
	if err != nil {
		return err
	}
	sum, err := wm.Seed(ctx, f)
	if shutdownErr := wm.Shutdown(ctx); shutdownErr != nil {
		slog.Warn("workflow manager shutdown incomplete", "error", shutdownErr)
	}
	if err != nil {
		return fmt.Errorf("failed to apply seed: %w", err)
	}
	fmt.Printf("seeded %d workflows, %d steps, %d transitions, %d policies, %d users, %d alerts\n",
		sum.Workflows, sum.Steps, sum.Transitions, sum.Policies, sum.Users, sum.Alerts)
	return nil
}

func sweep(ctx context.Context, _ *cli.Command) error {
	cfg, db, err := setup()
	if err != nil {
		return err
	}
	defer closeDB(db)

	wm, err := workflow.NewManager(ctx, cfg, db)
	if err != nil {
		return err
	}
	res, err := wm.Sweep(ctx)
	if shutdownErr := wm.Shutdown(ctx); shutdownErr != nil {
		slog.Warn("workflow manager shutdown incomplete", "error", shutdownErr)
	}
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d alerts: %d approaching, %d violated\n", res.Scanned, res.Approached, res.Violated)
	return nil
}

func issueToken(_ context.Context, c *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Auth.Disabled {
		return errors.New("authentication is disabled; set AUTH_DISABLED=false and JWT_SECRET to issue tokens")
	}
	token, err := auth.NewTokenService(cfg.Auth).Issue(c.String("user"), c.String("name"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
