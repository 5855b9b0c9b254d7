// Package server provides the HTTP layer for the StudyPod API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// CreateEpisodeRequest is the HTTP request body for creating an episode.
type CreateEpisodeRequest struct {
	// UserID identifies the owner of the episode.
	UserID string `json:"user_id" validate:"required,max=128"`
	// Text is the study material to narrate.
	Text string `json:"text" validate:"required"`
	// Title is an optional episode title.
	Title string `json:"title" validate:"max=200"`
	// Language is an optional language code, "en" when empty.
	Language string `json:"language" validate:"omitempty,min=2,max=16"`
	// Voice is an optional provider voice name.
	Voice string `json:"voice" validate:"omitempty,max=32,alphanum"`
}

// TextStats describes the size of a text.
type TextStats struct {
	CharCount        int     `json:"char_count"`
	WordCount        int     `json:"word_count"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
}

// CreateEpisodeResponse is the HTTP response after creating an episode.
type CreateEpisodeResponse struct {
	EpisodeID  string    `json:"episode_id"`
	Status     string    `json:"status"`
	WasReduced bool      `json:"was_reduced"`
	TextStats  TextStats `json:"text_stats"`
	// Existing is true when identical content already had an episode.
	Existing bool `json:"existing"`
}

// ChapterResponse is one chapter marker of a ready episode.
type ChapterResponse struct {
	Title        string  `json:"title"`
	StartSec     float64 `json:"start_sec"`
	DurationSec  float64 `json:"duration_sec"`
	SegmentIndex int     `json:"segment_index"`
}

// EpisodeResponse is the HTTP representation of an episode.
type EpisodeResponse struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	Title            string            `json:"title"`
	Language         string            `json:"language"`
	Voice            string            `json:"voice"`
	Status           string            `json:"status"`
	WasReduced       bool              `json:"was_reduced"`
	RawTextStats     TextStats         `json:"raw_text_stats"`
	FinalTextStats   *TextStats        `json:"final_text_stats,omitempty"`
	Chapters         []ChapterResponse `json:"chapters,omitempty"`
	TotalDurationSec float64           `json:"total_duration_sec,omitempty"`
	// AudioURL is a signed URL or the audio route of this API, set when ready.
	AudioURL     string     `json:"audio_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ListEpisodesQuery holds the query parameters of GET /episodes.
type ListEpisodesQuery struct {
	UserID string `validate:"required,max=128"`
	Status string `validate:"omitempty,oneof=pending ready failed"`
}

// ListEpisodesResponse is the HTTP response for listing episodes.
type ListEpisodesResponse struct {
	Episodes []EpisodeResponse `json:"episodes"`
	Count    int               `json:"count"`
}

// RetryEpisodeResponse is the HTTP response after a retry request.
type RetryEpisodeResponse struct {
	EpisodeID  string `json:"episode_id"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
