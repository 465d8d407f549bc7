package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"

	"medic-agent/internal/app"
	"medic-agent/internal/config"
	"medic-agent/internal/domain"
	"medic-agent/internal/httpapi"
	"medic-agent/internal/usecase"
)

// flushTimeout bounds one debounced flush: transcription, agent call and
// reply delivery.
const flushTimeout = 90 * time.Second

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, awsCfg)
	if err != nil {
		slog.Error("failed to wire application", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	if a.Twilio == nil {
		slog.Error("server mode delivers replies through Twilio; set TWILIO_ACCOUNT_SID and TWILIO_FROM")
		os.Exit(1)
	}

	deliver := func(ctx context.Context, userID string, turn domain.MergedTurn, flushErr error) {
		reply := usecase.StoreUnavailableReply
		if flushErr == nil {
			res, err := a.Inbound.Process(ctx, turn)
			switch {
			case err != nil:
				slog.Error("turn processing failed", "user_id", userID, "err", err)
				if usecase.CodeOf(err) != usecase.ErrorStoreUnavailable {
					reply = usecase.AgentFailureReply
				}
			default:
				reply = res.Route.Reply
				slog.Info("turn flushed", "user_id", userID, "agent", res.Route.Agent, "failed", res.Route.Failed)
			}
		}
		if err := a.Twilio.SendMessage(ctx, userID, reply); err != nil {
			slog.Error("reply delivery failed", "user_id", userID, "err", err)
		}
	}

	debouncer, err := usecase.NewDebouncer(a.Aggregator, deliver, flushTimeout)
	if err != nil {
		slog.Error("failed to create debouncer", "err", err)
		os.Exit(1)
	}

	var opts []httpapi.Option
	if cfg.TwilioWebhookURL != "" {
		opts = append(opts, httpapi.WithSignatureValidation(a.Twilio, cfg.TwilioWebhookURL))
	}
	api, err := httpapi.NewServer(a.Inbound, debouncer, opts...)
	if err != nil {
		slog.Error("failed to create http server", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// the JSON endpoint waits out the debounce window before replying
		WriteTimeout: cfg.DebounceHardCap + flushTimeout,
	}

	go func() {
		slog.Info("listening", "addr", srv.Addr, "lock_backend", cfg.LockBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "err", err)
	}
	debouncer.Stop()
}
