package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"classifier-chat/handler"
	"classifier-chat/internal/config"
	"classifier-chat/internal/conversation"
	"classifier-chat/internal/events"
	"classifier-chat/internal/integrations/classifier"
	"classifier-chat/internal/integrations/paramstore"
	"classifier-chat/internal/repository"
	"classifier-chat/internal/web"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	slog.Info("classifier-chat starting", "run_mode", cfg.RunMode, "port", cfg.Port)

	// Deferred calls do not survive os.Exit or lambda.Start, so shutdown
	// work is collected here and run on every exit path.
	var hooks shutdownHooks
	fatal := func(msg string, err error) {
		slog.Error(msg, "err", err)
		hooks.run()
		os.Exit(1)
	}

	// ---- AWS SDK config, only when something needs it ----
	var awsCfg *aws.Config
	if cfg.ParamPrefix != "" || cfg.AuditTable != "" {
		loaded, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			fatal("failed to load AWS config", err)
		}
		awsCfg = &loaded
	}

	// ---- Classifier ----
	endpoint, err := resolveEndpoint(ctx, cfg, awsCfg)
	if err != nil {
		fatal("failed to resolve classifier endpoint", err)
	}
	classifierClient, err := classifier.NewClient(endpoint, classifier.WithTimeout(cfg.ClassifierTimeout))
	if err != nil {
		fatal("failed to create classifier client", err)
	}
	slog.Info("classifier client ready", "endpoint", classifierClient.Endpoint())

	// ---- Turn observers (optional) ----
	var observers []conversation.TurnObserver
	if cfg.AuditTable != "" {
		auditClient, err := repository.New(awsdynamodb.NewFromConfig(*awsCfg), cfg.AuditTable)
		if err != nil {
			fatal("failed to create audit client", err)
		}
		observers = append(observers, auditClient)
		slog.Info("turn audit enabled", "table", cfg.AuditTable)
	}
	if cfg.NatsURL != "" {
		nc, err := events.Connect(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			fatal("failed to connect to NATS", err)
		}
		hooks.add(func() {
			if err := nc.Drain(); err != nil {
				slog.Warn("failed to drain NATS connection", "err", err)
			}
		})
		publisher, err := events.NewPublisher(nc, cfg.NatsSubject)
		if err != nil {
			fatal("failed to create turn publisher", err)
		}
		observers = append(observers, publisher)
		slog.Info("turn events enabled", "subject", publisher.Subject())
	}

	// ---- Conversations and HTTP surface ----
	registry, err := conversation.NewRegistry(classifierClient, cfg.SessionIdleTTL,
		conversation.WithTruncateLimit(cfg.TruncateLimit),
		conversation.WithObservers(observers...),
		conversation.WithLogger(slog.Default()),
	)
	if err != nil {
		fatal("failed to create conversation registry", err)
	}

	if cfg.RunMode == config.RunModeLambda {
		// The runtime freezes between invocations, so each submission must
		// resolve before its invocation returns.
		srv, err := web.NewServer(registry, slog.Default(), web.WithSyncSubmit())
		if err != nil {
			fatal("failed to create web server", err)
		}
		h, err := handler.NewHandler(srv)
		if err != nil {
			fatal("failed to create handler", err)
		}
		lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
			slog.Info("shutting down")
			waitForTurns(ctx, registry)
			hooks.run()
		}))
		return
	}

	srv, err := web.NewServer(registry, slog.Default())
	if err != nil {
		fatal("failed to create web server", err)
	}
	if err := serve(ctx, cfg.Port, srv, registry); err != nil {
		fatal("HTTP server error", err)
	}
	hooks.run()
	slog.Info("classifier-chat stopped")
}

// shutdownHooks runs registered functions once, newest first.
type shutdownHooks struct {
	mu    sync.Mutex
	funcs []func()
}

func (h *shutdownHooks) add(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, f)
}

func (h *shutdownHooks) run() {
	h.mu.Lock()
	funcs := h.funcs
	h.funcs = nil
	h.mu.Unlock()
	for i := len(funcs) - 1; i >= 0; i-- {
		funcs[i]()
	}
}

// resolveEndpoint prefers CLASSIFIER_URL, then the SSM parameter under
// PARAM_PREFIX, then the built-in endpoint.
func resolveEndpoint(ctx context.Context, cfg config.Config, awsCfg *aws.Config) (string, error) {
	if cfg.ClassifierURL != "" {
		return cfg.ClassifierURL, nil
	}
	if cfg.ParamPrefix == "" || awsCfg == nil {
		return classifier.DefaultEndpoint, nil
	}
	params, err := paramstore.New(awsssm.NewFromConfig(*awsCfg))
	if err != nil {
		return "", err
	}
	endpoint, err := params.ClassifierURL(ctx, cfg.ParamPrefix)
	if err != nil {
		return "", fmt.Errorf("read classifier url: %w", err)
	}
	return endpoint, nil
}

func serve(ctx context.Context, port int, h http.Handler, registry *conversation.Registry) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("classifier-chat ready", "addr", server.Addr)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	waitForTurns(ctx, registry)
	return nil
}

// waitForTurns lets in-flight classifications append their replies and
// notify observers before the process exits.
func waitForTurns(ctx context.Context, registry *conversation.Registry) {
	waitCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := registry.Wait(waitCtx); err != nil {
		slog.Warn("conversations still in flight at shutdown", "err", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
