package bootstrap

import (
	"context"
	"fmt"

	"voice-bridge/internal/clients/mail"
	twiliorest "voice-bridge/internal/clients/twilio"
	"voice-bridge/internal/clients/ultravox"
	"voice-bridge/internal/config"
	"voice-bridge/internal/kafka"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/finalizer"
	voiceCallHandler "voice-bridge/internal/voicecall/handler"
	voiceCallProcessor "voice-bridge/internal/voicecall/processor"
	"voice-bridge/internal/voicecall/registry"
	"voice-bridge/internal/voicecall/relay"
	"voice-bridge/internal/voicecall/tools"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	// Core
	Store    *store.Store
	Registry *registry.Registry
	Logger   *observability.Logger

	// Handlers
	VoiceCallHandler voiceCallHandler.Handler

	// Kafka producer (for cleanup); nil when no brokers are configured
	KafkaProducer *kafka.Producer
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Registry: registry.New(),
		Logger:   logger,
	}

	// Initialize database store
	dataStore, err := store.New(cfg.Database.ConnectionString(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	deps.Store = &dataStore

	if cfg.Database.RunMigrations {
		if err := deps.Store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	// Initialize event publishing
	var publisher finalizer.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		deps.KafkaProducer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger)
		publisher = deps.KafkaProducer
	} else {
		logger.Info(ctx, "KAFKA_BROKERS not set, call events will not be published")
	}

	// Initialize tool backends
	toolDeps := tools.Dependencies{
		Meetings:     deps.Store,
		Orders:       deps.Store,
		SupportCases: deps.Store,
		Knowledge:    deps.Store,
	}
	if cfg.Services.ResendAPIKey != "" {
		mailClient, err := mail.NewResendClient(cfg.Services.ResendAPIKey, cfg.Services.DefaultEmailSender, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create resend client: %w", err)
		}
		toolDeps.Mailer = mailClient
	} else {
		logger.Info(ctx, "RESEND_API_KEY not set, email tools are disabled")
	}
	dispatcher := tools.NewDispatcher(toolDeps, cfg.Bridge.ToolTimeout, logger)

	// Initialize voice engine client
	negotiator := ultravox.NewClient(ultravox.Config{
		APIKey:           cfg.Ultravox.APIKey,
		BaseURL:          cfg.Ultravox.BaseURL,
		Model:            cfg.Ultravox.Model,
		SampleRate:       cfg.Ultravox.SampleRate,
		BufferSizeMs:     cfg.Ultravox.BufferSizeMs,
		RequestTimeout:   cfg.Ultravox.RequestTimeout,
		RetryBase:        cfg.Ultravox.RetryBase,
		RetryCap:         cfg.Ultravox.RetryCap,
		MaxRetries:       cfg.Ultravox.MaxRetries,
		RecordingEnabled: cfg.Ultravox.RecordingEnabled,
	}, logger)

	// Initialize Twilio REST client
	var twilioClient *twiliorest.Client
	if cfg.Twilio.Enabled() {
		twilioClient = twiliorest.NewClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, logger)
	} else {
		logger.Info(ctx, "Twilio credentials not set, outbound calls and remote hang up are disabled")
	}

	// Initialize call finalization and the media relay
	callFinalizer := finalizer.New(deps.Store, publisher, cfg.Ultravox.CostPerMinute, logger)
	bridge := relay.New(dispatcher, callFinalizer, logger)

	// Initialize voice call processor and handler
	processorDeps := voiceCallProcessor.Dependencies{
		Negotiator: negotiator,
		Store:      deps.Store,
		Registry:   deps.Registry,
		Bridge:     bridge,
		Finalizer:  callFinalizer,
	}
	var caller voiceCallHandler.OutboundCaller
	if twilioClient != nil {
		processorDeps.Terminator = twilioClient
		caller = twilioClient
	}
	voiceCallProc := voiceCallProcessor.NewVoiceCallProcessor(voiceCallProcessor.Config{
		Agent: voiceCallProcessor.AgentConfig{
			SystemPrompt: cfg.Agent.SystemPrompt,
			FirstMessage: cfg.Agent.FirstMessage,
			Voice:        cfg.Agent.Voice,
			LanguageHint: cfg.Agent.LanguageHint,
		},
		Tools:                tools.Catalog(),
		StartFrameTimeout:    cfg.Bridge.StartFrameTimeout,
		EngineConnectTimeout: cfg.Bridge.EngineConnectTimeout,
	}, processorDeps, logger)
	deps.VoiceCallHandler = voiceCallHandler.New(
		voiceCallProc,
		deps.Store,
		caller,
		deps.Registry,
		cfg.Services.ServerDomain,
		logger,
	)

	return deps, nil
}

// Cleanup closes all resources that need cleanup
func (d *Dependencies) Cleanup() {
	if d.KafkaProducer != nil {
		d.KafkaProducer.Close()
	}
	if d.Store != nil {
		d.Store.Close()
	}
}
