// Package bootstrap provides dependency initialization for the StudyPod API.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/maauso/studypod-api/internal/audio"
	"github.com/maauso/studypod-api/internal/config"
	"github.com/maauso/studypod-api/internal/episode"
	"github.com/maauso/studypod-api/internal/governance"
	"github.com/maauso/studypod-api/internal/provider"
	"github.com/maauso/studypod-api/internal/queue"
	"github.com/maauso/studypod-api/internal/segment"
	"github.com/maauso/studypod-api/internal/storage"
	"github.com/maauso/studypod-api/internal/synth"
)

const maxRetryDelay = 30 * time.Second

// Dependencies holds all initialized dependencies of a process.
type Dependencies struct {
	Service *episode.Service
	Storage storage.Storage

	cfg    *config.Config
	logger *slog.Logger

	// In-process mode.
	pool *queue.Pool

	// Redis mode.
	redis    *redis.Client
	redisOpt asynq.RedisClientOpt
	asynq    *queue.AsynqRunner
	worker   *asynq.Server

	stopReaper context.CancelFunc
}

// NewDependencies creates and initializes all dependencies for the application.
// Nothing runs in the background until Start is called, except the
// in-process worker pool.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	pipeline, voice, err := initPipeline(cfg, logger)
	if err != nil {
		return nil, err
	}

	d := &Dependencies{Storage: store, cfg: cfg, logger: logger}

	repo, err := d.initRepository(ctx)
	if err != nil {
		return nil, err
	}

	d.Service = episode.NewService(repo, pipeline, store,
		episode.WithLogger(logger),
		episode.WithRetryPolicy(episode.RetryPolicy{
			MaxAttempts: cfg.GenerationAttempts,
			Delay:       cfg.GenerationBackoff(),
			MaxDelay:    maxRetryDelay,
		}),
		episode.WithGenerationTimeout(cfg.GenerationTimeout()),
		episode.WithMaxManualRetries(cfg.MaxManualRetries),
		episode.WithWorkDir(filepath.Join(cfg.DataDir, "work")),
		episode.WithDefaultVoice(voice),
	)

	if cfg.RedisEnabled() {
		d.asynq = queue.NewAsynqRunner(d.redisOpt, cfg.QueueName, logger)
		d.Service.SetRunner(d.asynq)
		logger.Info("asynq runner configured", slog.String("queue", cfg.QueueName))
	} else {
		d.pool = queue.NewPool(d.Service.Run,
			queue.WithWorkers(cfg.Workers),
			queue.WithQueueSize(cfg.QueueSize),
			queue.WithLogger(logger),
		)
		d.Service.SetRunner(d.pool)
		logger.Info("in-process worker pool configured",
			slog.Int("workers", cfg.Workers),
			slog.Int("queue_size", cfg.QueueSize),
		)
	}

	return d, nil
}

// Start launches the stuck episode reaper and, in Redis mode when
// withWorker is set, the asynq worker server.
func (d *Dependencies) Start(ctx context.Context, withWorker bool) error {
	reaperCtx, cancel := context.WithCancel(ctx)
	d.stopReaper = cancel
	d.Service.StartReaper(reaperCtx, d.cfg.ReaperInterval(), d.cfg.StuckAfter())

	if !withWorker || !d.cfg.RedisEnabled() {
		return nil
	}

	d.worker = queue.NewWorkerServer(d.redisOpt, queue.WorkerConfig{
		Concurrency: d.cfg.Workers,
		Queue:       d.cfg.QueueName,
		LogLevel:    d.cfg.LogLevel,
	})
	if err := d.worker.Start(queue.NewServeMux(d.Service.Run)); err != nil {
		return fmt.Errorf("start asynq worker: %w", err)
	}
	d.logger.Info("asynq worker started",
		slog.String("queue", d.cfg.QueueName),
		slog.Int("concurrency", d.cfg.Workers),
	)
	return nil
}

// Close stops background work. Queued in-process generations are given
// until ctx expires to finish.
func (d *Dependencies) Close(ctx context.Context) error {
	if d.stopReaper != nil {
		d.stopReaper()
	}

	var errs []error
	if d.pool != nil {
		if err := d.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown worker pool: %w", err))
		}
	}
	if d.worker != nil {
		d.worker.Shutdown()
	}
	if d.asynq != nil {
		if err := d.asynq.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close asynq runner: %w", err))
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dependencies) initRepository(ctx context.Context) (episode.Repository, error) {
	if !d.cfg.RedisEnabled() {
		d.logger.Info("memory episode repository configured")
		return episode.NewMemoryRepository(), nil
	}

	d.redisOpt = asynq.RedisClientOpt{
		Addr:     d.cfg.RedisAddr,
		Password: d.cfg.RedisPassword,
		DB:       d.cfg.RedisDB,
	}
	d.redis = redis.NewClient(&redis.Options{
		Addr:     d.cfg.RedisAddr,
		Password: d.cfg.RedisPassword,
		DB:       d.cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.redis.Ping(pingCtx).Err(); err != nil {
		_ = d.redis.Close()
		return nil, fmt.Errorf("connect redis %s: %w", d.cfg.RedisAddr, err)
	}

	d.logger.Info("redis episode repository configured",
		slog.String("addr", d.cfg.RedisAddr),
		slog.String("prefix", d.cfg.RedisPrefix),
	)
	return episode.NewRedisRepository(d.redis, d.cfg.RedisPrefix), nil
}

// initPipeline builds the generation stages and returns the default voice.
func initPipeline(cfg *config.Config, logger *slog.Logger) (episode.Pipeline, string, error) {
	client := provider.ClientConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		MaxRetries: cfg.OpenAIMaxRetries,
	}

	tts, err := provider.NewOpenAITTS(provider.TTSConfig{
		ClientConfig: client,
		Model:        cfg.TTSModel,
		Voice:        cfg.TTSVoice,
		Speed:        cfg.TTSSpeed,
	})
	if err != nil {
		return episode.Pipeline{}, "", fmt.Errorf("create TTS client: %w", err)
	}

	reducer, err := provider.NewOpenAIReducer(provider.ReducerConfig{
		ClientConfig: client,
		Model:        cfg.ReduceModel,
	})
	if err != nil {
		return episode.Pipeline{}, "", fmt.Errorf("create reducer client: %w", err)
	}

	cache, err := synth.NewDiskCache(filepath.Join(cfg.DataDir, "cache"))
	if err != nil {
		return episode.Pipeline{}, "", fmt.Errorf("create synthesis cache: %w", err)
	}

	toolkit := audio.NewFFmpegToolkit(cfg.FFmpegPath,
		audio.WithFFprobePath(cfg.FFprobePath),
		audio.WithBitrate(cfg.AudioBitrate),
	)

	segments := segment.DefaultOptions()
	segments.MaxChars = cfg.MaxSegmentChars
	segments.MinChars = min(segments.MinChars, cfg.MaxSegmentChars/2)

	logger.Info("generation pipeline configured",
		slog.String("tts_model", cfg.TTSModel),
		slog.String("voice", tts.Voice()),
		slog.String("reduce_model", cfg.ReduceModel),
		slog.String("cache_dir", cache.Dir()),
		slog.Int("max_segment_chars", segments.MaxChars),
	)

	return episode.Pipeline{
		Governor: governance.New(
			governance.WithReducer(reducer),
			governance.WithLogger(logger),
		),
		Segments: segments,
		Synth: synth.NewOrchestrator(tts, cache, toolkit,
			synth.WithMaxConcurrency(cfg.MaxConcurrentSegments),
			synth.WithLogger(logger),
		),
		Assembler: audio.NewAssembler(toolkit,
			audio.WithNormalization(cfg.NormalizeLoudness),
			audio.WithLogger(logger),
		),
	}, tts.Voice(), nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PublicURL:       cfg.S3PublicURL,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(filepath.Join(cfg.DataDir, "episodes"))
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("dir", localStore.BaseDir()),
	)
	return localStore, nil
}
