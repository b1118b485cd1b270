package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/brightears/bma-messenger-hub-sub001/internal/ai"
	"github.com/brightears/bma-messenger-hub-sub001/internal/classifier"
	"github.com/brightears/bma-messenger-hub-sub001/internal/config"
	"github.com/brightears/bma-messenger-hub-sub001/internal/hub"
	"github.com/brightears/bma-messenger-hub-sub001/internal/routing"
	"github.com/brightears/bma-messenger-hub-sub001/internal/session"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the hub HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Reload the configuration file when it changes",
				Value: true,
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	configPath := c.String("config")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port := c.String("port"); port != "" {
		cfg.Server.Port = port
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- audit (optional) ---
	var storeOpts []session.Option
	var audit *hub.AuditRepo
	if dsn := cfg.Audit.DatabaseURL; dsn != "" {
		db, err := openDB(ctx, dsn)
		if err != nil {
			return err
		}
		defer db.Close()

		audit = hub.NewAuditRepo(db)
		if err := audit.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		storeOpts = append(storeOpts, session.WithObserver(audit))
	}

	// --- sessions ---
	storeOpts = append(storeOpts, session.WithSweepInterval(cfg.SweepInterval()))
	store := session.NewStore(cfg.SessionTimeout(), storeOpts...)
	store.Start(ctx)
	defer store.Close()

	// --- classification ---
	scorer, err := newScorer(cfg)
	if err != nil {
		return err
	}
	cls := classifier.New(scorer, cfg.ClassifierRules(),
		classifier.WithAITimeout(cfg.AITimeout()),
		classifier.WithContextLimit(cfg.AI.ContextMessages),
	)

	// --- routing ---
	var notifier routing.Notifier
	if cfg.Notifier.WebhookURL != "" {
		n, err := hub.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Notifier.Token)
		if err != nil {
			return err
		}
		notifier = n
	} else {
		log.Warn().Msg("notifier webhook not configured, decisions are only logged")
	}

	var replies routing.ReplySender
	if cfg.Replies.WebhookURL != "" {
		r, err := hub.NewWebhookReplies(cfg.Replies.WebhookURL, cfg.Replies.Token)
		if err != nil {
			return err
		}
		replies = r
	} else {
		log.Warn().Msg("reply webhook not configured, clarification prompts are not delivered")
	}

	coord, err := routing.NewCoordinator(store, cls, notifier, replies, cfg.RoutingSettings())
	if err != nil {
		return err
	}

	live := config.NewLive(cfg, config.Targets{Sessions: store, Classifier: cls, Coordinator: coord})
	if c.Bool("watch") {
		if _, err := os.Stat(configPath); err == nil {
			if err := live.Watch(configPath); err != nil {
				log.Warn().Err(err).Str("path", configPath).Msg("config watch disabled")
			}
		}
	}

	// --- router ---
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Secret"},
	}))

	h := hub.NewHandler(coord, store, live, cfg.Server.AdminToken)
	if audit != nil {
		h.WithAudit(audit)
	}
	hub.RegisterRoutes(r, h)

	// --- health ---
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("ai", cfg.AI.Provider).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newScorer(cfg *config.Config) (ai.Scorer, error) {
	var scorer ai.Scorer
	switch cfg.AI.Provider {
	case "openai":
		c, err := ai.NewOpenAIClient(ai.OpenAIConfig{
			APIKey:  cfg.AI.OpenAI.APIKey,
			Model:   cfg.AI.OpenAI.Model,
			BaseURL: cfg.AI.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		scorer = c
	case "ollama":
		c, err := ai.NewOllamaClient(ai.OllamaConfig{
			ServerURL: cfg.AI.Ollama.URL,
			Model:     cfg.AI.Ollama.Model,
		})
		if err != nil {
			return nil, err
		}
		scorer = c
	default:
		log.Warn().Msg("no ai provider, only keyword rules classify")
		return nil, nil
	}
	return ai.WithRateLimit(scorer, cfg.AI.RateLimit, cfg.AI.Burst), nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return db, nil
}

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
