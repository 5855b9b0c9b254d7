package episode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/maauso/studypod-api/internal/audio"
	"github.com/maauso/studypod-api/internal/governance"
	"github.com/maauso/studypod-api/internal/identity"
	"github.com/maauso/studypod-api/internal/segment"
	"github.com/maauso/studypod-api/internal/storage"
	"github.com/maauso/studypod-api/internal/synth"
)

const (
	// DefaultLanguage is used when a create request has no language.
	DefaultLanguage = "en"
	// DefaultGenerationTimeout bounds one Run call.
	DefaultGenerationTimeout = 15 * time.Minute

	timedOutMessage = "generation timed out"
)

// Governor validates and bounds episode text.
type Governor interface {
	Check(text string) (governance.Stats, bool, error)
	Prepare(ctx context.Context, text, title string) (*governance.Result, error)
}

// SegmentSynthesizer turns ordered segments into ordered audio artifacts.
type SegmentSynthesizer interface {
	SynthesizeAll(ctx context.Context, segments []segment.Segment, voice string) ([]synth.Artifact, error)
}

// Assembler joins segment audio into one episode file.
type Assembler interface {
	Assemble(ctx context.Context, inputs []audio.Input, outputDir string) (*audio.Result, error)
}

// Runner executes generations in the background.
type Runner interface {
	// Submit schedules Run for the episode. Submitting an episode that is
	// already queued or running is not an error.
	Submit(ctx context.Context, episodeID string) error
	// InFlight reports whether the episode is queued or running.
	InFlight(episodeID string) bool
}

// Pipeline groups the stages run by Service.Run.
type Pipeline struct {
	Governor  Governor
	Segments  segment.Options
	Synth     SegmentSynthesizer
	Assembler Assembler
}

// RetryPolicy configures automatic retries within one Run.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts; values below 1 mean 1.
	MaxAttempts int
	// Delay is the initial backoff delay.
	Delay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// CreateInput contains the parameters of a create request.
type CreateInput struct {
	UserID   string
	Text     string
	Title    string
	Language string
	Voice    string
}

// CreateOutput is the synchronous result of Create.
type CreateOutput struct {
	EpisodeID  string
	Status     Status
	WasReduced bool
	TextStats  governance.Stats
	// Existing is true when the content identity matched a stored episode.
	Existing bool
}

// RetryOutput is the synchronous result of Retry.
type RetryOutput struct {
	EpisodeID  string
	Status     Status
	RetryCount int
}

// Service owns the episode lifecycle: it creates records, runs the
// generation pipeline and exposes query, retry and delete operations.
type Service struct {
	repo     Repository
	pipeline Pipeline
	storage  storage.Storage
	runner   Runner
	logger   *slog.Logger

	retry            RetryPolicy
	timeout          time.Duration
	maxManualRetries int
	workDir          string
	defaultVoice     string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetryPolicy sets the automatic retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

// WithGenerationTimeout bounds each Run call.
func WithGenerationTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxManualRetries limits Retry calls per episode. Zero means unlimited.
func WithMaxManualRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxManualRetries = n
		}
	}
}

// WithWorkDir sets the parent directory for per-run scratch directories.
func WithWorkDir(dir string) Option {
	return func(s *Service) {
		if dir != "" {
			s.workDir = dir
		}
	}
}

// WithDefaultVoice sets the voice used when a create request has none.
func WithDefaultVoice(voice string) Option {
	return func(s *Service) {
		s.defaultVoice = voice
	}
}

// NewService creates a new Service.
func NewService(repo Repository, pipeline Pipeline, store storage.Storage, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		pipeline: pipeline,
		storage:  store,
		logger:   slog.Default(),
		retry:    DefaultRetryPolicy(),
		timeout:  DefaultGenerationTimeout,
		workDir:  filepath.Join(os.TempDir(), "studypod-work"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRunner sets the background runner. The runner usually calls back into
// Run, so it is attached after construction.
func (s *Service) SetRunner(r Runner) {
	s.runner = r
}

// Storage returns the durable storage used for final artifacts.
func (s *Service) Storage() storage.Storage {
	return s.storage
}

// Create validates the text, resolves the content identity and creates the
// episode if it does not exist yet. Only a newly created episode is
// submitted for generation.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateOutput, error) {
	stats, exceeds, err := s.pipeline.Governor.Check(in.Text)
	if err != nil {
		return nil, err
	}

	lang := strings.TrimSpace(in.Language)
	if lang == "" {
		lang = DefaultLanguage
	}
	voice := strings.TrimSpace(in.Voice)
	if voice == "" {
		voice = s.defaultVoice
	}

	ep := New(identity.EpisodeID(in.Text, in.Title, lang))
	ep.UserID = in.UserID
	ep.Title = strings.TrimSpace(in.Title)
	ep.Language = lang
	ep.Voice = voice
	ep.Text = in.Text
	ep.RawTextStats = stats
	ep.WasReduced = exceeds

	stored, created, err := s.repo.CreateIfAbsent(ctx, ep)
	if err != nil {
		s.logger.Error("failed to create episode",
			slog.String("episode_id", ep.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	out := &CreateOutput{
		EpisodeID:  stored.ID,
		Status:     stored.Status,
		WasReduced: stored.WasReduced,
		TextStats:  stored.RawTextStats,
		Existing:   !created,
	}

	if !created {
		s.logger.Info("episode already exists",
			slog.String("episode_id", stored.ID),
			slog.String("status", string(stored.Status)),
		)
		return out, nil
	}

	s.logger.Info("episode created",
		slog.String("episode_id", stored.ID),
		slog.String("user_id", stored.UserID),
		slog.Int("word_count", stats.WordCount),
		slog.Bool("will_reduce", exceeds),
	)

	if err := s.submit(ctx, stored); err != nil {
		return nil, err
	}
	return out, nil
}

// Get retrieves an episode by ID.
func (s *Service) Get(ctx context.Context, id string) (*Episode, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns the user's episodes, optionally filtered by status.
func (s *Service) List(ctx context.Context, userID string, status *Status) ([]*Episode, error) {
	return s.repo.ListByUser(ctx, userID, status)
}

// Retry moves a failed episode back to pending and resubmits it.
func (s *Service) Retry(ctx context.Context, id string) (*RetryOutput, error) {
	ep, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if st := ep.GetStatus(); st != StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, st)
	}
	if s.maxManualRetries > 0 && ep.RetryCount >= s.maxManualRetries {
		return nil, fmt.Errorf("%w: %d of %d used", ErrRetryLimit, ep.RetryCount, s.maxManualRetries)
	}

	if err := ep.ResetForRetry(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, ep); err != nil {
		return nil, err
	}

	s.logger.Info("episode retry requested",
		slog.String("episode_id", ep.ID),
		slog.Int("retry_count", ep.RetryCount),
	)

	if err := s.submit(ctx, ep); err != nil {
		return nil, err
	}
	return &RetryOutput{EpisodeID: ep.ID, Status: StatusPending, RetryCount: ep.RetryCount}, nil
}

// Delete removes the durable artifact and then the record.
func (s *Service) Delete(ctx context.Context, id string) error {
	ep, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}

	if ep.AudioLocation != "" {
		if err := s.storage.Delete(ctx, ep.AudioLocation); err != nil {
			return &StorageError{Op: "delete", Err: err}
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("episode deleted", slog.String("episode_id", id))
	return nil
}

// submit hands ep to the runner. A rejected submission fails the episode
// so it can be retried later.
func (s *Service) submit(ctx context.Context, ep *Episode) error {
	if s.runner == nil {
		return s.failSubmit(ctx, ep, ErrNoRunner)
	}
	if err := s.runner.Submit(ctx, ep.ID); err != nil {
		return s.failSubmit(ctx, ep, err)
	}
	return nil
}

func (s *Service) failSubmit(ctx context.Context, ep *Episode, cause error) error {
	s.logger.Error("failed to submit episode",
		slog.String("episode_id", ep.ID),
		slog.String("error", cause.Error()),
	)
	if err := ep.MarkFailed("could not schedule generation: " + cause.Error()); err == nil {
		if saveErr := s.repo.Update(ctx, ep); saveErr != nil {
			s.logger.Error("failed to save episode",
				slog.String("episode_id", ep.ID),
				slog.String("error", saveErr.Error()),
			)
		}
	}
	return fmt.Errorf("%w: %w", ErrSubmit, cause)
}

// Run executes the generation pipeline for a pending episode and records
// the outcome. Pipeline failures become the failed state; only repository
// errors are returned.
func (s *Service) Run(ctx context.Context, id string) error {
	ep, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if ep.GetStatus() != StatusPending {
		s.logger.Debug("skipping run for non-pending episode",
			slog.String("episode_id", id),
			slog.String("status", string(ep.GetStatus())),
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	workDir := filepath.Join(s.workDir, id+"-"+uuid.NewString())
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			s.logger.Warn("failed to remove work directory",
				slog.String("path", workDir),
				slog.String("error", err.Error()),
			)
		}
	}()

	start := time.Now()
	s.logger.Info("generation started",
		slog.String("episode_id", id),
		slog.Int("retry_count", ep.RetryCount),
	)

	attempts := max(s.retry.MaxAttempts, 1)
	var out *Output
	err = retry.Do(
		func() error {
			if err := ep.BeginAttempt(); err != nil {
				return retry.Unrecoverable(err)
			}
			if err := s.repo.Update(ctx, ep); err != nil {
				return retry.Unrecoverable(err)
			}
			o, err := s.generate(ctx, ep, workDir)
			if err != nil {
				return err
			}
			out = o
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(s.retry.Delay),
		retry.MaxDelay(s.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			if int(n)+1 >= attempts {
				return
			}
			s.logger.Warn("generation attempt failed, retrying",
				slog.String("episode_id", id),
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("error", err.Error()),
			)
		}),
	)

	// The final write must not be lost to the generation deadline.
	saveCtx := context.WithoutCancel(ctx)

	if errors.Is(err, ErrEpisodeNotFound) {
		s.dropDeleted(id)
		return nil
	}
	if err != nil {
		return s.fail(saveCtx, ep, ctx.Err(), err)
	}

	if err := ep.MarkReady(*out); err != nil {
		s.discard(saveCtx, id, out.AudioLocation)
		return s.fail(saveCtx, ep, nil, err)
	}
	if err := s.repo.Update(saveCtx, ep); err != nil {
		s.discard(saveCtx, id, out.AudioLocation)
		if errors.Is(err, ErrEpisodeNotFound) {
			s.dropDeleted(id)
			return nil
		}
		return err
	}

	s.logger.Info("generation completed",
		slog.String("episode_id", id),
		slog.Int("chapters", len(out.Chapters)),
		slog.Float64("total_duration_sec", out.TotalDurationSec),
		slog.Bool("was_reduced", out.WasReduced),
		slog.Int("attempts", ep.Attempts),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// generate runs every pipeline stage once and uploads the result.
func (s *Service) generate(ctx context.Context, ep *Episode, workDir string) (*Output, error) {
	prepared, err := s.pipeline.Governor.Prepare(ctx, ep.Text, ep.Title)
	if err != nil {
		return nil, fmt.Errorf("prepare text: %w", err)
	}

	segments, err := segment.Split(prepared.Text, s.pipeline.Segments)
	if err != nil {
		return nil, fmt.Errorf("segment text: %w", err)
	}

	artifacts, err := s.pipeline.Synth.SynthesizeAll(ctx, segments, ep.Voice)
	if err != nil {
		return nil, err
	}

	titles := make(map[int]string, len(segments))
	for _, seg := range segments {
		titles[seg.Index] = seg.ChapterTitle
	}
	inputs := make([]audio.Input, len(artifacts))
	for i, a := range artifacts {
		inputs[i] = audio.Input{
			Index:       a.Index,
			Path:        a.Path,
			Title:       titles[a.Index],
			DurationSec: a.DurationSec,
		}
	}

	assembled, err := s.pipeline.Assembler.Assemble(ctx, inputs, workDir)
	if err != nil {
		return nil, err
	}

	location, err := s.storage.Upload(ctx, "uploads/"+ep.ID+".mp3", assembled.Path)
	if err != nil {
		return nil, &StorageError{Op: "upload", Err: err}
	}

	chapters := make([]Chapter, len(assembled.Chapters))
	for i, c := range assembled.Chapters {
		chapters[i] = Chapter{
			Title:        c.Title,
			StartSec:     c.StartSec,
			DurationSec:  c.DurationSec,
			SegmentIndex: c.SegmentIndex,
		}
	}

	return &Output{
		FinalTextStats:   prepared.Final,
		WasReduced:       prepared.WasReduced,
		Chapters:         chapters,
		TotalDurationSec: assembled.TotalDurationSec,
		AudioLocation:    location,
	}, nil
}

// fail records a pipeline failure. ctxErr is the generation context error,
// if any, so deadline expiry is reported as a timeout.
func (s *Service) fail(ctx context.Context, ep *Episode, ctxErr, cause error) error {
	msg := cause.Error()
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		msg = timedOutMessage + ": " + msg
	}

	s.logger.Error("generation failed",
		slog.String("episode_id", ep.ID),
		slog.Int("attempts", ep.Attempts),
		slog.String("error", msg),
	)

	if err := ep.MarkFailed(msg); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, ep); err != nil {
		if errors.Is(err, ErrEpisodeNotFound) {
			s.dropDeleted(ep.ID)
			return nil
		}
		return err
	}
	return nil
}

// dropDeleted notes that the episode was deleted while it was generating.
func (s *Service) dropDeleted(id string) {
	s.logger.Info("episode deleted during generation, discarding output",
		slog.String("episode_id", id),
	)
}

// discard removes an uploaded artifact that will not be referenced.
func (s *Service) discard(ctx context.Context, id, location string) {
	if location == "" {
		return
	}
	if err := s.storage.Delete(ctx, location); err != nil {
		s.logger.Warn("failed to delete orphaned audio",
			slog.String("episode_id", id),
			slog.String("location", location),
			slog.String("error", err.Error()),
		)
	}
}

// isRetryable reports whether a stage failure may succeed on another attempt.
func isRetryable(err error) bool {
	var synthErr *synth.Error
	var storageErr *StorageError
	return errors.As(err, &synthErr) || errors.As(err, &storageErr)
}

// ExpireStuck fails pending episodes that have not been updated for
// olderThan and are not queued or running. It returns the number of
// episodes expired.
func (s *Service) ExpireStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := s.repo.ListByStatus(ctx, StatusPending)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	expired := 0
	for _, ep := range pending {
		lastUpdate := ep.UpdatedAt
		if lastUpdate.After(cutoff) {
			continue
		}
		if s.runner != nil && s.runner.InFlight(ep.ID) {
			continue
		}
		if err := ep.MarkFailed(timedOutMessage); err != nil {
			continue
		}
		if err := s.repo.Update(ctx, ep); err != nil {
			if errors.Is(err, ErrEpisodeNotFound) {
				continue
			}
			return expired, err
		}
		expired++
		s.logger.Warn("expired stuck episode",
			slog.String("episode_id", ep.ID),
			slog.Time("updated_at", lastUpdate),
		)
	}
	return expired, nil
}

// StartReaper calls ExpireStuck every interval until ctx is done.
func (s *Service) StartReaper(ctx context.Context, interval, olderThan time.Duration) {
	if interval <= 0 || olderThan <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ExpireStuck(ctx, olderThan); err != nil {
					s.logger.Error("reaper failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}
