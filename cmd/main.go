package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"stepforge/internal/config"
	"stepforge/internal/logging"
)

type flags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
	Port       int
}

func main() {
	var (
		f         = &flags{}
		cfg       config.Config
		logCloser func() error
	)

	app := &cli.Command{
		Name:      "stepforge",
		Usage:     "Turn a request into a planned, step-by-step generated code project",
		UsageText: "stepforge [global options] [command [command options]]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("STEPFORGE_CONFIG"),
				Value:       "config.yml",
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides the config file",
				Sources:     cli.EnvVars("STEPFORGE_LOG_LEVEL"),
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "also write JSON logs to this rotating file",
				Sources:     cli.EnvVars("STEPFORGE_LOG_FILE"),
				Destination: &f.LogFile,
			},
		},
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return ctx, fmt.Errorf("load .env: %w", err)
			}
			loaded, err := config.Load(f.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if f.LogLevel != "" {
				loaded.LogLevel = f.LogLevel
			}
			if f.LogFile != "" {
				loaded.LogFile = f.LogFile
			}
			_, closer, err := logging.New(logging.Options{Level: loaded.LogLevel, File: loaded.LogFile})
			if err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}
			logCloser = closer.Close
			cfg = loaded
			return ctx, nil
		},
		After: func(context.Context, *cli.Command) error {
			if logCloser != nil {
				return logCloser()
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(f, &cfg),
			runCmd(&cfg),
			packageCmd(&cfg),
			statusCmd(&cfg),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() > 0 {
				return fmt.Errorf("unknown command %q. Run 'stepforge --help' for usage", c.Args().First())
			}
			return serve(ctx, cfg)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func serveCmd(f *flags, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API (default)",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "port",
				Usage:       "listen port; overrides the config file",
				Sources:     cli.EnvVars("STEPFORGE_PORT"),
				Destination: &f.Port,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			if f.Port > 0 {
				cfg.Port = f.Port
			}
			return serve(ctx, *cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	svc, err := openService(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer svc.close()

	baseCtx, baseCancel := context.WithCancel(context.Background())
	svc.manager.SetBaseContext(baseCtx)
	if _, err := svc.manager.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("recovering interrupted projects failed")
	}

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, svc.router(), readHeaderTimeout)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("store", cfg.Store).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			baseCancel()
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	gracefulShutdown(srv, baseCancel, svc, shutdownTimeout)
	return nil
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, svc *service, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !svc.manager.WaitAll(ctx) {
		log.Warn().Msg("background pipelines did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
