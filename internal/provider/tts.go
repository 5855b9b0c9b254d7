package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/openai/openai-go/v3"

	"github.com/maauso/studypod-api/internal/synth"
)

const (
	defaultTTSModel = "tts-1"
	defaultTTSVoice = "alloy"
)

// ErrEmptyInput is returned when there is no text to speak.
var ErrEmptyInput = errors.New("text is required")

// Compile-time check that OpenAITTS implements synth.Synthesizer.
var _ synth.Synthesizer = (*OpenAITTS)(nil)

// TTSConfig holds configuration for the OpenAI text-to-speech client.
type TTSConfig struct {
	ClientConfig
	Model string  // "tts-1" (default), "tts-1-hd", "gpt-4o-mini-tts"
	Voice string  // "alloy" (default)
	Speed float64 // 0.25-4.0
}

// OpenAITTS synthesizes MP3 speech with the OpenAI audio API.
type OpenAITTS struct {
	client openai.Client
	model  string
	voice  string
	speed  float64
}

// NewOpenAITTS creates a new OpenAI TTS client.
func NewOpenAITTS(cfg TTSConfig) (*OpenAITTS, error) {
	client, err := newClient(cfg.ClientConfig)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = defaultTTSModel
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultTTSVoice
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	return &OpenAITTS{
		client: client,
		model:  cfg.Model,
		voice:  cfg.Voice,
		speed:  cfg.Speed,
	}, nil
}

// Voice returns the configured default voice.
func (c *OpenAITTS) Voice() string {
	return c.voice
}

// Synthesize converts text to MP3 audio. An empty voice uses the default.
func (c *OpenAITTS) Synthesize(ctx context.Context, text, voice string) (*synth.Speech, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	voice = strings.TrimSpace(voice)
	if voice == "" {
		voice = c.voice
	}

	resp, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(c.model),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
		Speed:          openai.Float(c.speed),
	})
	if err != nil {
		return nil, mapOpenAIError("TTS", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read OpenAI audio response: %w", err)
	}

	return &synth.Speech{Audio: audio, Format: "mp3"}, nil
}
