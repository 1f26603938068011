package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"github.com/wolfman30/groundguard/internal/compliance"
	appconfig "github.com/wolfman30/groundguard/internal/config"
	"github.com/wolfman30/groundguard/internal/guard"
	"github.com/wolfman30/groundguard/internal/history"
	"github.com/wolfman30/groundguard/internal/injection"
	"github.com/wolfman30/groundguard/internal/llm"
	"github.com/wolfman30/groundguard/internal/notify"
	"github.com/wolfman30/groundguard/internal/observability/metrics"
	"github.com/wolfman30/groundguard/internal/patterns"
	"github.com/wolfman30/groundguard/internal/retrieval"
	"github.com/wolfman30/groundguard/internal/review"
	"github.com/wolfman30/groundguard/internal/sources"
	"github.com/wolfman30/groundguard/internal/validation"
	"github.com/wolfman30/groundguard/pkg/logging"
)

// ErrNoAuditStore is returned when no audit destination is configured. The
// guard never runs without one.
var ErrNoAuditStore = errors.New("bootstrap: no audit store configured (DATABASE_URL, AUDIT_S3_BUCKET or AUDIT_JSONL_PATH)")

// Deps are the shared clients a guard is built from. Nil Pool and Redis
// disable the components that need them.
type Deps struct {
	AWS     aws.Config
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *metrics.GuardMetrics
	Logger  *logging.Logger
}

// Guard is the wired answer service plus the resources it owns.
type Guard struct {
	Service *guard.Service
	closers []func() error
}

// Close releases clients opened by BuildGuard. It does not close Deps.
func (g *Guard) Close() error {
	if g == nil {
		return nil
	}
	var errs []error
	for _, c := range g.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildGuard wires the answer pipeline from config.
func BuildGuard(ctx context.Context, cfg *appconfig.Config, deps Deps) (*Guard, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	g := &Guard{}

	lib, err := patterns.Load(cfg.PatternsFile)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load patterns: %w", err)
	}

	var bedrock *bedrockruntime.Client
	bedrockClient := func() *bedrockruntime.Client {
		if bedrock == nil {
			bedrock = bedrockruntime.NewFromConfig(deps.AWS)
		}
		return bedrock
	}

	embedder, err := BuildEmbedder(cfg, bedrockClient)
	if err != nil {
		return nil, err
	}
	var searcher retrieval.Searcher
	if deps.Pool != nil {
		searcher = retrieval.NewPGVectorSearcher(deps.Pool)
	} else {
		logger.Warn("DATABASE_URL not set; retrieval uses an empty in-memory index")
		searcher = retrieval.NewMemorySearcher(embedder)
	}
	gateway := retrieval.NewGateway(embedder, searcher, retrieval.NewSanitizer(injection.NewDetector(lib)), RetrievalOptions(cfg), logger)

	registry := BuildRegistry(cfg, deps.Pool, deps.Redis, logger)

	generator, closeGen, err := BuildGenerator(ctx, cfg, bedrockClient, logger)
	if err != nil {
		return nil, err
	}
	if closeGen != nil {
		g.closers = append(g.closers, closeGen)
	}

	store, closeStore, err := BuildAuditStore(cfg, s3.NewFromConfig(deps.AWS), logger)
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	if closeStore != nil {
		g.closers = append(g.closers, closeStore)
	}
	recorderOpts := []compliance.RecorderOption{
		compliance.WithMetrics(deps.Metrics),
		compliance.WithTimeout(cfg.AuditTimeout),
	}
	if alerter := BuildAlerter(cfg, sesv2.NewFromConfig(deps.AWS), logger); alerter != nil {
		recorderOpts = append(recorderOpts, compliance.WithAlerter(alerter))
	}
	recorder := compliance.NewRecorder(store, logger, recorderOpts...)

	opts := []guard.Option{
		guard.WithOptions(GuardOptions(cfg)),
		guard.WithDisclaimer(DisclaimerConfig(cfg)),
		guard.WithMetrics(deps.Metrics),
	}
	if deps.Redis != nil {
		opts = append(opts, guard.WithHistory(history.NewRedisStore(deps.Redis, cfg.HistoryTTL, int64(cfg.HistoryMaxEntries))))
	}
	if q := BuildReviewQueue(cfg, dynamodb.NewFromConfig(deps.AWS), sqs.NewFromConfig(deps.AWS), logger); q != nil {
		opts = append(opts, guard.WithReviewQueue(q))
	}

	g.Service = guard.NewService(lib, gateway, registry, generator, recorder, logger, opts...)
	logger.Info("guard ready",
		"llm_provider", cfg.LLMProvider,
		"llm_fallback", cfg.LLMFallbackProvider,
		"embedding_provider", cfg.EmbeddingProvider,
		"audit_store", store.Name(),
	)
	return g, nil
}

// RetrievalOptions maps config onto the retrieval policy.
func RetrievalOptions(cfg *appconfig.Config) retrieval.Options {
	return retrieval.Options{
		TopK:             cfg.RetrievalTopK,
		MinScore:         cfg.RetrievalMinScore,
		StrictMinScore:   cfg.RetrievalStrictMinScore,
		HighConfidence:   cfg.RetrievalHighConfidence,
		WeakPassageChars: cfg.RetrievalWeakChars,
		DedupOverlap:     cfg.RetrievalDedupOverlap,
	}
}

// GuardOptions maps config onto generation settings and validator thresholds.
func GuardOptions(cfg *appconfig.Config) guard.Options {
	return guard.Options{
		Model:             cfg.BedrockModelID,
		MaxTokens:         int32(cfg.LLMMaxTokens),
		Temperature:       float32(cfg.LLMTemperature),
		GenerationTimeout: cfg.GenerationTimeout,
		FollowUpTimeout:   cfg.AuditTimeout,
		Validation: validation.Config{
			MaxChars:          cfg.ValidationMaxChars,
			ParagraphMinChars: cfg.ValidationParagraphMinChars,
			CitationWindow:    cfg.ValidationCitationWindow,
		},
	}
}

// DisclaimerConfig maps DISCLAIMER_ENABLED and DISCLAIMER_TEXT.
func DisclaimerConfig(cfg *appconfig.Config) compliance.DisclaimerConfig {
	return compliance.DisclaimerConfig{Enabled: cfg.DisclaimerEnabled, CustomText: cfg.DisclaimerText}
}

// BuildEmbedder picks the embedding backend named by EMBEDDING_PROVIDER.
func BuildEmbedder(cfg *appconfig.Config, bedrock func() *bedrockruntime.Client) (retrieval.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "", "bedrock":
		return retrieval.NewBedrockEmbedder(bedrock(), cfg.BedrockEmbeddingModelID), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("bootstrap: OPENAI_API_KEY is required for openai embeddings")
		}
		return retrieval.NewOpenAIEmbedder(openai.NewClient(cfg.OpenAIAPIKey), cfg.OpenAIEmbeddingModel), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

// BuildGenerator returns the primary backend, wrapped with the fallback when
// one is configured. The returned closer may be nil.
func BuildGenerator(ctx context.Context, cfg *appconfig.Config, bedrock func() *bedrockruntime.Client, logger *logging.Logger) (llm.StreamClient, func() error, error) {
	var closers []func() error
	build := func(provider string) (llm.StreamClient, error) {
		switch provider {
		case "bedrock":
			if strings.TrimSpace(cfg.BedrockModelID) == "" {
				return nil, fmt.Errorf("bootstrap: BEDROCK_MODEL_ID is required for bedrock")
			}
			return llm.NewBedrockClient(bedrock()), nil
		case "gemini":
			client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
			if err != nil {
				return nil, fmt.Errorf("bootstrap: gemini: %w", err)
			}
			closers = append(closers, client.Close)
			return client, nil
		default:
			return nil, fmt.Errorf("bootstrap: unknown llm provider %q", provider)
		}
	}
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	provider := cfg.LLMProvider
	if provider == "" {
		provider = "bedrock"
	}
	primary, err := build(provider)
	if err != nil {
		return nil, nil, err
	}
	if cfg.LLMFallbackProvider == "" || cfg.LLMFallbackProvider == provider {
		return primary, closeAll, nil
	}
	fallback, err := build(cfg.LLMFallbackProvider)
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	return llm.NewFallbackClient(primary, fallback, logger), closeAll, nil
}

// BuildRegistry returns the known-source registry: Postgres behind a Redis
// cache when both exist, Postgres alone, or an empty static registry.
func BuildRegistry(cfg *appconfig.Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *logging.Logger) sources.Registry {
	if pool == nil {
		return sources.StaticRegistry{}
	}
	var registry sources.Registry = sources.NewPostgresRegistry(pool)
	if redisClient != nil {
		registry = sources.NewCachedRegistry(registry, redisClient, cfg.SourcesCacheTTL, logger)
	}
	return registry
}

// BuildAuditStore fans out to every configured audit destination. Postgres
// is first so its error is the one reported when several fail.
func BuildAuditStore(cfg *appconfig.Config, s3Client compliance.S3API, logger *logging.Logger) (compliance.Store, func() error, error) {
	var stores []compliance.Store
	var closeDB func() error

	db, err := BuildAuditDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	if db != nil {
		stores = append(stores, compliance.NewSQLStore(db))
		closeDB = db.Close
	}
	if bucket := strings.TrimSpace(cfg.AuditS3Bucket); bucket != "" {
		stores = append(stores, compliance.NewS3Store(s3Client, bucket))
	}
	if path := strings.TrimSpace(cfg.AuditJSONLPath); path != "" {
		stores = append(stores, compliance.NewJSONLStore(path))
	}

	switch len(stores) {
	case 0:
		return nil, nil, ErrNoAuditStore
	case 1:
		return stores[0], closeDB, nil
	default:
		logger.Info("audit fan-out enabled", "stores", len(stores))
		return compliance.NewMultiStore(stores...), closeDB, nil
	}
}

// BuildAlerter emails audit write failures to ALERT_EMAIL_TO. SendGrid wins
// when its key is set, then SES when a sender address is set; otherwise the
// alert is only logged.
func BuildAlerter(cfg *appconfig.Config, sesClient *sesv2.Client, logger *logging.Logger) *notify.AuditAlerter {
	if strings.TrimSpace(cfg.AlertEmailTo) == "" {
		logger.Warn("ALERT_EMAIL_TO not set; audit write failures are only logged")
		return nil
	}
	from := notify.Sender{Email: cfg.AlertEmailFrom, Name: cfg.AlertFromName}
	var sender notify.EmailSender = notify.NewLogSender(logger)
	switch {
	case cfg.SendGridAPIKey != "":
		sender = notify.NewSendGridSender(cfg.SendGridAPIKey, from, logger)
	case cfg.AlertEmailFrom != "" && sesClient != nil:
		sender = notify.NewSESSender(sesClient, from, cfg.SESConfigurationSet, logger)
	}
	return notify.NewAuditAlerter(sender, cfg.AlertEmailTo, logger)
}

// BuildReviewQueue returns nil unless REVIEW_TABLE is set. The SQS
// notification is optional.
func BuildReviewQueue(cfg *appconfig.Config, dynamo *dynamodb.Client, sqsClient *sqs.Client, logger *logging.Logger) review.Queue {
	table := strings.TrimSpace(cfg.ReviewTable)
	if table == "" || dynamo == nil {
		return nil
	}
	var publisher *review.SQSPublisher
	if url := strings.TrimSpace(cfg.ReviewQueueURL); url != "" && sqsClient != nil {
		publisher = review.NewSQSPublisher(sqsClient, url)
	}
	return review.NewDispatcher(review.NewDynamoTicketStore(dynamo, table), publisher, logger)
}
