package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aelexs/captionsync/internal/auth"
	"github.com/aelexs/captionsync/internal/authrefresh"
	"github.com/aelexs/captionsync/internal/config"
	"github.com/aelexs/captionsync/internal/connhealth"
	"github.com/aelexs/captionsync/internal/coordinator/adapter"
	"github.com/aelexs/captionsync/internal/coordinator/app"
	"github.com/aelexs/captionsync/internal/coordinator/port"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/dynamo"
	"github.com/aelexs/captionsync/internal/queue"
	"github.com/aelexs/captionsync/internal/redis"
	"github.com/aelexs/captionsync/internal/server"
	"github.com/aelexs/captionsync/pkg/protocol"
)

// setup is the coordinator composition root. It creates infrastructure
// clients and adapters, builds the coordinator, mounts the surface hub and
// operator API, and starts the coordinator's background loops.
func setup(ctx context.Context, deps server.SetupDeps) (server.CleanupFunc, error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}

	// 1. Infrastructure clients.
	dynamoClient, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: cfg.DynamoDB.Endpoint,
		Region:   cfg.AWS.Region,
		Timeout:  cfg.DynamoDB.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create dynamo client: %w", err)
	}

	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
		KeyPrefix:    cfg.Redis.KeyPrefix,
	})
	if err := redisClient.Ping(ctx, cfg.Redis.Timeout); err != nil {
		// The cache only serves fallback reads; the coordinator still starts.
		logger.WarnContext(ctx, "redis unreachable at startup", slog.String("error", err.Error()))
	}

	// 2. Auth backend.
	httpClient := &http.Client{Timeout: cfg.Backend.CallTimeout}
	if cfg.Auth.ProjectID == "" {
		logger.WarnContext(ctx, "auth.project_id is empty; every sign-in will be rejected")
	}
	keyStore, err := auth.NewJWKSKeyStore(ctx, cfg.Auth.JWKSURL, httpClient, logger)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("create key store: %w", err)
	}
	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore:  keyStore,
		ProjectID: cfg.Auth.ProjectID,
		Clock:     clock,
	})
	tokenBackend := adapter.NewTokenBackend(adapter.TokenBackendConfig{
		TokenURL:  cfg.Auth.TokenURL,
		LookupURL: cfg.Auth.LookupURL,
		APIKey:    cfg.Auth.APIKey,
		Validator: validator,
		Client:    httpClient,
		Logger:    logger,
	})

	// 3. Chat model (API key from env, else Secrets Manager or SSM).
	chat, err := createChatModel(ctx, cfg, logger)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	// 4. Hub first: the coordinator takes it as its transport.
	hub := port.NewHub(ctx, port.HubConfig{
		AllowedOrigins: cfg.Coordinator.AllowedOrigins,
		Logger:         logger,
	})

	coord := app.New(app.Config{
		Transport: hub,
		Cache:     adapter.NewRedisCache(redisClient.RDB, redisClient.Prefix()),
		Documents: adapter.NewDocumentStore(dynamoClient.DB, cfg.DynamoDB.Table, clock),
		Chat:      chat,
		Auth:      tokenBackend,
		Prober:    adapter.NewHTTPProber(cfg.Health.ProbeURL, &http.Client{Timeout: cfg.Health.ProbeTimeout}),
		Queue: queue.Config{
			TTL:             cfg.Queue.TTL,
			MaxAttempts:     cfg.Queue.MaxAttempts,
			DrainInterval:   cfg.Queue.DrainInterval,
			DeliveryTimeout: cfg.Queue.DeliveryTimeout,
		},
		Health: connhealth.Config{
			ErrorThreshold:   cfg.Health.ErrorThreshold,
			RecoveryCooldown: cfg.Health.RecoveryCooldown,
			QuietReset:       cfg.Health.QuietReset,
			CheckInterval:    cfg.Health.CheckInterval,
			ProbeTimeout:     cfg.Health.ProbeTimeout,
		},
		Refresh: authrefresh.Config{
			Interval:     cfg.Auth.RefreshInterval,
			StartupDelay: cfg.Auth.StartupDelay,
			StuckAfter:   cfg.Auth.StuckAfter,
			CallTimeout:  cfg.Backend.CallTimeout,
		},
		HandlerTimeout: cfg.Router.HandlerTimeout,
		CallTimeout:    cfg.Backend.CallTimeout,
		OnHealthChange: grpcHealthReporter(deps.Health),
		Clock:          clock,
		Logger:         logger,
	})
	hub.SetHandler(coord)

	// 5. Routes.
	api, err := port.NewHTTPAPI(coord, hub)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("build http api: %w", err)
	}
	deps.HTTPMux.Handle("/ws", hub)
	deps.HTTPMux.Handle("/v1/", api)

	// 6. Background loops. ctx is cancelled when shutdown begins.
	runDone := make(chan error, 1)
	go func() {
		runDone <- coord.Run(ctx)
	}()

	logger.InfoContext(ctx, "coordinator initialized",
		slog.String("table", cfg.DynamoDB.Table),
		slog.String("chat_model", cfg.Chat.Model),
	)

	cleanup := func(cctx context.Context) error {
		var errs []error
		select {
		case err := <-runDone:
			errs = append(errs, err)
		case <-cctx.Done():
			errs = append(errs, fmt.Errorf("coordinator loops did not stop: %w", cctx.Err()))
		}
		hub.Wait()
		errs = append(errs, redisClient.Close())
		return errors.Join(errs...)
	}
	return cleanup, nil
}

// grpcHealthReporter mirrors the connection health state onto the gRPC
// health service: only recovery reports NOT_SERVING.
func grpcHealthReporter(h *health.Server) connhealth.StateChangeFunc {
	if h == nil {
		return nil
	}
	return func(_ context.Context, _, to connhealth.State, _ int) {
		status := healthpb.HealthCheckResponse_SERVING
		if to == connhealth.Recovering {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		h.SetServingStatus("coordinator", status)
	}
}

// createChatModel returns the Gemini chat model. The API key comes from
// chat.api_key, or from the secret named by chat.api_key_secret. Local
// development without a key gets a model that rejects every prompt.
func createChatModel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app.ChatModel, error) {
	key := cfg.Chat.APIKey
	if key.IsEmpty() && cfg.Chat.APIKeySecret != "" {
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		endpoint := cfg.AWS.Endpoint
		loader := adapter.NewSecretLoader(
			secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
				if endpoint != "" {
					o.BaseEndpoint = aws.String(endpoint)
				}
			}),
			ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
				if endpoint != "" {
					o.BaseEndpoint = aws.String(endpoint)
				}
			}),
		)
		key, err = loader.Load(ctx, cfg.Chat.APIKeySecret)
		if err != nil {
			return nil, err
		}
	}

	if key.IsEmpty() {
		if !cfg.IsLocal() {
			return nil, fmt.Errorf("%w: chat.api_key or chat.api_key_secret", domain.ErrConfigRequired)
		}
		logger.Warn("no chat API key configured, GENERATE_ANSWER will fail")
		return unconfiguredChat{}, nil
	}

	client, err := adapter.NewGeminiClient(ctx, key)
	if err != nil {
		return nil, err
	}
	return adapter.NewGeminiChat(client.Models, cfg.Chat.Model), nil
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return awsCfg, nil
}

type unconfiguredChat struct{}

func (unconfiguredChat) GenerateAnswer(context.Context, string, []protocol.ChatTurn) (string, error) {
	return "", fmt.Errorf("%w: chat.api_key", domain.ErrConfigRequired)
}
