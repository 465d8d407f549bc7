package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"medic-agent/handler"
	"medic-agent/internal/app"
	"medic-agent/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients and usecases ----
	a, err := app.New(ctx, cfg, awsCfg)
	if err != nil {
		slog.Error("failed to wire application", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// ---- Handler ----
	var opts []handler.Option
	if a.Twilio != nil && cfg.TwilioWebhookURL != "" {
		opts = append(opts, handler.WithSignatureValidation(a.Twilio, cfg.TwilioWebhookURL))
	}
	h, err := handler.NewHandler(a.Inbound, opts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
