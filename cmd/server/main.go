package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/liamcoop/loanbff/audit"
	"github.com/liamcoop/loanbff/guard"
	"github.com/liamcoop/loanbff/installment"
	"github.com/liamcoop/loanbff/internal/config"
	"github.com/liamcoop/loanbff/internal/logger"
)

func main() {
	app := &cli.App{
		Name:  "loanbff",
		Usage: "backend-for-frontend for the loan platform",
		Commands: []*cli.Command{
			serveCommand(),
			installmentCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP server",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files to load before reading the environment",
				Value: cli.NewStringSlice(".env"),
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.StringSlice("env-file")...)
			if err != nil {
				return err
			}
			return serve(c.Context, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Setup(logger.Options{
		Level:           cfg.LogLevel,
		ErrorSampleRate: cfg.ErrorSampleRate,
		OTELEnabled:     cfg.OTELEnabled,
		ServiceName:     cfg.OTELServiceName,
	}); err != nil {
		logger.Warn("logging setup degraded", "error", err)
	}
	defer logger.Shutdown(context.Background())

	if cfg.BackendURL == "" {
		logger.Warn("URL_BACKEND is not set, forwarded requests will fail")
	}
	if !cfg.AdminEnabled() {
		logger.Info("ADMIN_TOKEN is not set, /internal endpoints are disabled")
	}

	guards, err := loadGuards(cfg.GuardsFile)
	if err != nil {
		return err
	}

	store, err := openAuditStore(ctx, cfg)
	if err != nil {
		return err
	}

	server := NewServer(cfg, guards, store, nil)
	defer server.Close()

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", httpServer.Addr, "backend_configured", cfg.BackendURL != "")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case sig := <-sigChan:
		logger.Info("shutting down server", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down server", "reason", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// guardConfig reads the guards file, or the built-in guards when path is empty.
func guardConfig(path string) (*guard.Config, error) {
	if path == "" {
		return guard.DefaultConfig(), nil
	}
	return guard.LoadConfig(path)
}

func loadGuards(path string) (*guard.Manager, error) {
	cfg, err := guardConfig(path)
	if err != nil {
		return nil, err
	}

	m, err := guard.NewManagerFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build guards: %w", err)
	}
	logger.Info("guards loaded", "endpoints", m.Endpoints(), "file", path)
	return m, nil
}

// openAuditStore connects to Postgres when DATABASE_URL is set and falls back
// to a bounded in-memory log otherwise.
func openAuditStore(ctx context.Context, cfg *config.Config) (audit.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("audit log kept in memory", "capacity", cfg.AuditCapacity)
		return audit.NewInMemoryStore(cfg.AuditCapacity), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := audit.OpenPostgres(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("audit log stored in postgres")
	return audit.NewPostgresStore(db), nil
}

func installmentCommand() *cli.Command {
	return &cli.Command{
		Name:  "installment",
		Usage: "print the monthly repayment of a loan",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "principal", Aliases: []string{"p"}, Usage: "loan amount", Required: true},
			&cli.IntFlag{Name: "term", Aliases: []string{"n"}, Usage: "term in months", Required: true},
			&cli.Float64Flag{Name: "rate", Aliases: []string{"r"}, Usage: "monthly interest rate in percent"},
		},
		Action: func(c *cli.Context) error {
			schedule, err := installment.Preview(installment.Input{
				Principal:          c.Float64("principal"),
				TermMonths:         c.Int("term"),
				MonthlyRatePercent: c.Float64("rate"),
			})
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			out := c.App.Writer
			fmt.Fprintf(out, "Monthly installment: %s\n", installment.FormatCurrency(schedule.Installment))
			fmt.Fprintf(out, "Total repayment:     %s\n", installment.FormatCurrency(schedule.TotalRepayment))
			fmt.Fprintf(out, "Total interest:      %s\n", installment.FormatCurrency(schedule.TotalInterest))
			return nil
		},
	}
}
