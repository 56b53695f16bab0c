package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"PaperDigest/internal/api"
	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
	"PaperDigest/internal/infrastructure/alerting"
	"PaperDigest/internal/infrastructure/events"
	"PaperDigest/internal/infrastructure/llm"
	"PaperDigest/internal/infrastructure/ml"
	"PaperDigest/internal/infrastructure/parser"
	"PaperDigest/internal/infrastructure/scheduler"
	"PaperDigest/internal/infrastructure/storage"
	"PaperDigest/internal/infrastructure/telegram"
	"PaperDigest/internal/logging"
	"PaperDigest/internal/ports"
	"PaperDigest/internal/retry"
	"PaperDigest/internal/scanner"
	"PaperDigest/internal/usecase"
)

const (
	listingTimeout = 30 * time.Second
	jitterFactor   = 0.2
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger
	store  *storage.Store
	closer func() error

	watcher  *usecase.Watcher
	engine   *usecase.Engine
	advisor  *usecase.Advisor
	delivery *usecase.DeliveryScheduler
	votes    *usecase.VoteIntake
	jobs     *usecase.Jobs
}

// New opens the store and builds every component the configuration enables.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &Application{cfg: cfg, logger: baseLogger, store: store}

	listingRetrier := retry.New(retry.Config{
		MaxAttempts:  cfg.Ingestion.MaxAttempts,
		BaseDelay:    cfg.Ingestion.BaseDelay,
		MaxDelay:     cfg.Ingestion.MaxDelay,
		JitterFactor: jitterFactor,
	}, domain.IsRetryable, baseLogger.With("component", "retry.listing"))
	listingClient := &http.Client{Timeout: listingTimeout}

	registry := scanner.NewRegistry()
	registry.Register(parser.NewArxivScanner(listingClient, listingRetrier, baseLogger.With("component", "scanner.arxiv")).
		WithPaging(cfg.Ingestion.PageSize, cfg.Ingestion.MaxPages))
	registry.Register(parser.NewRSSScanner(listingClient, listingRetrier, baseLogger.With("component", "scanner.rss")))
	source := parser.NewStrategySource(registry, cfg.Sites, baseLogger.With("component", "source"))

	publisher, closePublisher := newPublisher(cfg.Events, baseLogger)
	a.closer = closePublisher

	a.watcher = usecase.NewWatcher(usecase.WatcherDeps{
		Source:    source,
		Papers:    store.Papers(),
		Publisher: publisher,
		Config:    cfg.Ingestion,
		Logger:    baseLogger,
	})

	var (
		classifier ports.RelevanceClassifier
		summarizer ports.Summarizer
		reviser    ports.PromptReviser
	)
	if cfg.HasLLM() {
		chat := llm.NewChatGPTClient(cfg.LLM, &http.Client{Timeout: cfg.LLM.Timeout})
		classifier, summarizer, reviser = chat, chat, chat
	}
	if cfg.ML.InferenceURL != "" {
		summarizer = ml.NewClient(cfg.ML.InferenceURL, cfg.ML.APIKey, &http.Client{Timeout: cfg.LLM.Timeout})
	}

	if classifier != nil {
		a.engine = usecase.NewEngine(usecase.EngineDeps{
			Prompts:    store.Prompts(),
			Results:    store.Classifications(),
			Classifier: classifier,
			Summarizer: summarizer,
			Alerter:    newAlerter(cfg.Notifications, baseLogger),
			Config:     cfg.Classification,
			Logger:     baseLogger,
		})
	}
	if reviser != nil {
		a.advisor = usecase.NewAdvisor(usecase.AdvisorDeps{
			Prompts:     store.Prompts(),
			Suggestions: store.Suggestions(),
			Reviser:     reviser,
			Aggregator: usecase.NewAggregator(usecase.AggregatorDeps{
				Prompts: store.Prompts(),
				Votes:   store.Votes(),
				Results: store.Classifications(),
				Papers:  store.Papers(),
				Config:  cfg.Feedback,
				Logger:  baseLogger,
			}),
			Config: cfg.Feedback,
			Retry: retry.Config{
				MaxAttempts:  cfg.Classification.MaxAttempts,
				BaseDelay:    cfg.Classification.BaseDelay,
				MaxDelay:     cfg.Classification.MaxDelay,
				JitterFactor: jitterFactor,
			},
			Logger: baseLogger,
		})
	}

	a.delivery = usecase.NewDeliveryScheduler(usecase.DeliveryDeps{
		Prompts:    store.Prompts(),
		Deliveries: store.Deliveries(),
		Config:     cfg.Delivery,
		Logger:     baseLogger,
	})
	a.votes = usecase.NewVoteIntake(usecase.VoteIntakeDeps{
		Prompts: store.Prompts(),
		Papers:  store.Papers(),
		Votes:   store.Votes(),
		Logger:  baseLogger,
	})

	a.jobs = &usecase.Jobs{
		Watcher:  a.watcher,
		Engine:   a.engine,
		Advisor:  a.advisor,
		Delivery: a.delivery,
		Location: cfg.Delivery.Location(),
		Logger:   baseLogger.With("component", "jobs"),
	}
	return a, nil
}

func newPublisher(cfg config.EventsConfig, logger *slog.Logger) (ports.EventPublisher, func() error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NewLogPublisher(logger), func() error { return nil }
	}
	kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	return kafka, kafka.Close
}

func newAlerter(cfg config.NotificationConfig, logger *slog.Logger) ports.Alerter {
	alerters := alerting.Multi{alerting.NewLog(logger)}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		alerters = append(alerters, telegram.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	return alerters
}

// Close releases the store and the event writer.
func (a *Application) Close() error {
	var errs []error
	if a.closer != nil {
		errs = append(errs, a.closer())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// Migrate applies pending schema migrations.
func (a *Application) Migrate(ctx context.Context) error {
	return a.store.Migrate(ctx)
}

// Ingest polls the listing of day once, or keeps re-polling it when watch is set.
func (a *Application) Ingest(ctx context.Context, day time.Time, watch bool) (int, error) {
	var (
		evs []domain.NewPaperEvent
		err error
	)
	if watch {
		evs, err = a.watcher.Watch(ctx, day)
	} else {
		evs, err = a.watcher.Poll(ctx, day)
	}
	return len(evs), err
}

// Replay re-publishes new-paper events for papers first seen in [since, until).
func (a *Application) Replay(ctx context.Context, since, until time.Time) (int, error) {
	evs, err := a.watcher.Replay(ctx, since, until)
	return len(evs), err
}

// Classify runs one classification pass.
func (a *Application) Classify(ctx context.Context) error {
	if a.engine == nil {
		return fmt.Errorf("%w: llm.apiKey and llm.endpoint are required to classify", domain.ErrConfiguration)
	}
	return a.jobs.Classify(ctx)
}

// Advise runs one advisory sweep.
func (a *Application) Advise(ctx context.Context) error {
	if a.advisor == nil {
		return fmt.Errorf("%w: llm.apiKey and llm.endpoint are required to advise", domain.ErrConfiguration)
	}
	return a.jobs.Advise(ctx)
}

// Deliver builds every batch due at now, or only the given period of one user.
func (a *Application) Deliver(ctx context.Context, userID string, key domain.PeriodKey) error {
	if userID == "" {
		return a.jobs.Deliver(ctx)
	}
	batch, err := a.delivery.BuildBatch(ctx, userID, key)
	if err != nil {
		return err
	}
	a.logger.Info("batch ready", "batch_id", batch.ID, "user_id", userID, "period", key, "items", len(batch.Items))
	return nil
}

// Serve runs the periodic jobs and the HTTP surface until ctx is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	jobsCfg := a.cfg.Jobs
	jobs := []scheduler.Job{
		{Name: "ingest", Interval: jobsCfg.IngestInterval, Run: a.jobs.Ingest},
		{Name: "deliver", Interval: jobsCfg.DeliverInterval, Run: a.jobs.Deliver},
	}
	if a.engine != nil {
		jobs = append(jobs, scheduler.Job{Name: "classify", Interval: jobsCfg.ClassifyInterval, Run: a.jobs.Classify})
	} else {
		a.logger.Warn("no language model configured; classification is disabled")
	}
	if a.advisor != nil {
		jobs = append(jobs, scheduler.Job{Name: "advise", Interval: jobsCfg.AdviseInterval, Run: a.jobs.Advise})
	}

	sched := scheduler.NewIntervalScheduler(jobs, jobsCfg.RunTimeout, a.logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(a.cfg.API.Addr, api.Deps{
		Votes:       a.votes,
		Batches:     a.delivery,
		Suggestions: a.suggestionReader(),
		DB:          a.store.DB(),
		Logger:      a.logger,
	})
	serveErr := server.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(serveErr, sched.Stop(stopCtx))
}

func (a *Application) suggestionReader() api.SuggestionReader {
	if a.advisor != nil {
		return a.advisor
	}
	return storedSuggestions{prompts: a.store.Prompts(), suggestions: a.store.Suggestions()}
}

// storedSuggestions serves earlier advisory output when no model is configured.
type storedSuggestions struct {
	prompts     ports.PromptRepository
	suggestions ports.SuggestionRepository
}

func (s storedSuggestions) LatestSuggestions(ctx context.Context, versionID string) ([]domain.SuggestedEdit, error) {
	version, err := s.prompts.PromptVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, fmt.Errorf("prompt version %s: %w", versionID, domain.ErrNotFound)
	}
	return s.suggestions.LatestSuggestions(ctx, versionID)
}
