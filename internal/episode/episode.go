// Package episode provides the Episode aggregate for generated podcast episodes.
// It includes the Episode entity with its state machine, the repository port
// with in-memory and Redis implementations, and the Service that runs the
// generation pipeline.
package episode

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/maauso/studypod-api/internal/governance"
)

// Status represents the current state of an Episode.
type Status string

const (
	// StatusPending indicates generation has not finished yet.
	StatusPending Status = "pending"
	// StatusReady indicates the audio is available.
	StatusReady Status = "ready"
	// StatusFailed indicates generation failed; the episode may be retried.
	StatusFailed Status = "failed"
)

// Statuses lists every valid status.
var Statuses = []Status{StatusPending, StatusReady, StatusFailed}

// IsValid returns true if the status is known.
func (s Status) IsValid() bool {
	return s == StatusPending || s == StatusReady || s == StatusFailed
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

var (
	// ErrInvalidTransition is returned when an invalid state transition is attempted.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvalidStatus is returned for unknown status values.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrInvariant is returned by Validate when the episode is inconsistent.
	ErrInvariant = errors.New("episode invariant violated")
)

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusReady, StatusFailed},
	StatusReady:   {},
	StatusFailed:  {StatusPending},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// chapterTolerance is the slack allowed between adjacent chapter boundaries.
const chapterTolerance = 0.01

// Chapter is a named time range within the episode audio.
type Chapter struct {
	Title        string  `json:"title"`
	StartSec     float64 `json:"start_sec"`
	DurationSec  float64 `json:"duration_sec"`
	SegmentIndex int     `json:"segment_index"`
}

// Output is the result of a successful generation.
type Output struct {
	FinalTextStats   governance.Stats
	WasReduced       bool
	Chapters         []Chapter
	TotalDurationSec float64
	AudioLocation    string
}

// Episode represents one generated podcast and its metadata.
type Episode struct {
	mu sync.RWMutex

	// ID is the content identity of (text, title, language).
	ID string `json:"id"`
	// UserID is the owner of the episode.
	UserID string `json:"user_id"`
	// Title is the episode title.
	Title string `json:"title"`
	// Language is the language tag of the text.
	Language string `json:"language"`
	// Voice is the synthesis voice identifier.
	Voice string `json:"voice"`
	// Text is the source text as submitted.
	Text string `json:"text"`
	// Status is the current episode state.
	Status Status `json:"status"`
	// RawTextStats describes the submitted text.
	RawTextStats governance.Stats `json:"raw_text_stats"`
	// FinalTextStats describes the text that was synthesized.
	FinalTextStats governance.Stats `json:"final_text_stats"`
	// WasReduced is true if governance rewrote the text.
	WasReduced bool `json:"was_reduced"`
	// Chapters are ordered by StartSec.
	Chapters []Chapter `json:"chapters,omitempty"`
	// TotalDurationSec is probed from the final audio file.
	TotalDurationSec float64 `json:"total_duration_sec"`
	// AudioLocation references durable storage. Set only when ready.
	AudioLocation string `json:"audio_location,omitempty"`
	// ErrorMessage is set only when failed.
	ErrorMessage string `json:"error_message,omitempty"`
	// RetryCount counts manual retries.
	RetryCount int `json:"retry_count"`
	// Attempts counts pipeline attempts across all runs.
	Attempts int `json:"attempts"`
	// CreatedAt is when the episode was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the episode was last updated.
	UpdatedAt time.Time `json:"updated_at"`
	// StartedAt is when the latest attempt started.
	StartedAt time.Time `json:"started_at,omitzero"`
	// CompletedAt is when the episode reached ready or failed.
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// New creates a new Episode with the given ID in pending status.
func New(id string) *Episode {
	now := time.Now()
	return &Episode{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the episode status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (e *Episode) TransitionTo(status Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(status)
}

func (e *Episode) transitionLocked(status Status) error {
	if !canTransition(e.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, status)
	}

	e.Status = status
	e.UpdatedAt = time.Now()

	switch status {
	case StatusReady, StatusFailed:
		e.CompletedAt = e.UpdatedAt
	case StatusPending:
		e.CompletedAt = time.Time{}
	}

	return nil
}

// BeginAttempt records the start of a pipeline attempt.
// Returns ErrInvalidTransition if the episode is not pending.
func (e *Episode) BeginAttempt() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Status != StatusPending {
		return fmt.Errorf("%w: attempt on %s episode", ErrInvalidTransition, e.Status)
	}
	e.Attempts++
	e.StartedAt = time.Now()
	e.UpdatedAt = e.StartedAt
	return nil
}

// MarkReady transitions the episode to ready with the generation output.
// The output is checked before the transition, so a rejected output leaves
// the episode unchanged.
func (e *Episode) MarkReady(out Output) error {
	if out.AudioLocation == "" {
		return fmt.Errorf("%w: ready without audio location", ErrInvariant)
	}
	if err := validateChapters(out.Chapters); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.transitionLocked(StatusReady); err != nil {
		return err
	}
	e.FinalTextStats = out.FinalTextStats
	e.WasReduced = out.WasReduced
	e.Chapters = append([]Chapter(nil), out.Chapters...)
	e.TotalDurationSec = out.TotalDurationSec
	e.AudioLocation = out.AudioLocation
	e.ErrorMessage = ""
	return nil
}

// MarkFailed transitions the episode to failed with an error message.
func (e *Episode) MarkFailed(msg string) error {
	if msg == "" {
		msg = "generation failed"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.transitionLocked(StatusFailed); err != nil {
		return err
	}
	e.ErrorMessage = msg
	e.AudioLocation = ""
	e.Chapters = nil
	e.TotalDurationSec = 0
	return nil
}

// ResetForRetry moves a failed episode back to pending and counts the retry.
func (e *Episode) ResetForRetry() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.transitionLocked(StatusPending); err != nil {
		return err
	}
	e.ErrorMessage = ""
	e.RetryCount++
	return nil
}

// GetStatus returns the current episode status (thread-safe).
func (e *Episode) GetStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Status
}

// Validate checks the state exclusivity and chapter ordering invariants.
func (e *Episode) Validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch e.Status {
	case StatusPending:
		if e.AudioLocation != "" || e.ErrorMessage != "" {
			return fmt.Errorf("%w: pending episode has output or error", ErrInvariant)
		}
	case StatusReady:
		if e.AudioLocation == "" || e.ErrorMessage != "" {
			return fmt.Errorf("%w: ready episode needs audio location and no error", ErrInvariant)
		}
	case StatusFailed:
		if e.ErrorMessage == "" || e.AudioLocation != "" {
			return fmt.Errorf("%w: failed episode needs error and no audio location", ErrInvariant)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
	}

	return validateChapters(e.Chapters)
}

// validateChapters checks that chapters start at zero and are contiguous.
func validateChapters(chapters []Chapter) error {
	for i, ch := range chapters {
		if i == 0 {
			if ch.StartSec != 0 {
				return fmt.Errorf("%w: first chapter starts at %.3f", ErrInvariant, ch.StartSec)
			}
			continue
		}
		prev := chapters[i-1]
		if ch.StartSec < prev.StartSec {
			return fmt.Errorf("%w: chapter %d starts before chapter %d", ErrInvariant, i, i-1)
		}
		if math.Abs(prev.StartSec+prev.DurationSec-ch.StartSec) > chapterTolerance {
			return fmt.Errorf("%w: gap between chapters %d and %d", ErrInvariant, i-1, i)
		}
	}
	return nil
}

// Clone creates a deep copy of the episode for safe reads.
func (e *Episode) Clone() *Episode {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var chapters []Chapter
	if e.Chapters != nil {
		chapters = make([]Chapter, len(e.Chapters))
		copy(chapters, e.Chapters)
	}

	return &Episode{
		ID:               e.ID,
		UserID:           e.UserID,
		Title:            e.Title,
		Language:         e.Language,
		Voice:            e.Voice,
		Text:             e.Text,
		Status:           e.Status,
		RawTextStats:     e.RawTextStats,
		FinalTextStats:   e.FinalTextStats,
		WasReduced:       e.WasReduced,
		Chapters:         chapters,
		TotalDurationSec: e.TotalDurationSec,
		AudioLocation:    e.AudioLocation,
		ErrorMessage:     e.ErrorMessage,
		RetryCount:       e.RetryCount,
		Attempts:         e.Attempts,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
	}
}
