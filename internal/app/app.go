// Package app wires the clients, stores and usecases shared by the Lambda
// and server binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"medic-agent/internal/config"
	"medic-agent/internal/integrations/openai"
	"medic-agent/internal/integrations/paramstore"
	"medic-agent/internal/integrations/transcribe"
	"medic-agent/internal/integrations/twilio"
	"medic-agent/internal/repository"
	"medic-agent/internal/usecase"
)

// burstTTLMargin keeps burst records alive past the hard cap so a late
// flush still finds every payload.
const burstTTLMargin = time.Minute

type App struct {
	Aggregator *usecase.Aggregator
	Inbound    *usecase.InboundService
	// Twilio is nil when TWILIO_ACCOUNT_SID or TWILIO_FROM is unset.
	Twilio *twilio.Client

	closers []func()
}

// Close releases connection pools opened by New.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func New(ctx context.Context, cfg config.Config, awsCfg aws.Config) (*App, error) {
	a := &App{}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create SSM client: %w", err)
	}
	dynamoClient := awsdynamodb.NewFromConfig(awsCfg)

	bursts, err := repository.NewBurstClient(dynamoClient, cfg.StateTable, cfg.DebounceHardCap+cfg.DebounceWindow+burstTTLMargin)
	if err != nil {
		return nil, fmt.Errorf("app: create burst store: %w", err)
	}

	var lockStore usecase.LockStore
	switch cfg.LockBackend {
	case config.LockBackendPostgres:
		pool, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		pg, err := repository.NewPostgresLockClient(pool)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: create postgres lock store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		lockStore = pg
	default:
		lockStore, err = repository.NewLockClient(dynamoClient, cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("app: create lock store: %w", err)
		}
	}

	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: create OpenAI client: %w", err)
	}
	agents, err := openai.NewAgentInvoker(openaiClient, ssmClient, cfg.ParamPrefix, cfg.OpenAIModel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: create agent invoker: %w", err)
	}

	var transcriber usecase.Transcriber
	if cfg.TwilioEnabled() {
		a.Twilio, err = twilio.NewClient(ssmClient, cfg.ParamPrefix, cfg.TwilioAccountSID, cfg.TwilioFrom)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: create Twilio client: %w", err)
		}
		tc, err := transcribe.New(openaiClient, a.Twilio)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: create transcriber: %w", err)
		}
		transcriber = tc
	} else {
		slog.Warn("twilio is not configured; voice notes will not be transcribed")
	}

	a.Aggregator, err = usecase.NewAggregator(bursts, cfg.DebounceWindow, cfg.DebounceHardCap)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	locks, err := usecase.NewLockManager(lockStore, cfg.LockTTL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	router, err := usecase.NewRouter(locks, usecase.NewRuleClassifier(), agents)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Inbound, err = usecase.NewInboundService(a.Aggregator, router, transcriber)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	return a, nil
}
