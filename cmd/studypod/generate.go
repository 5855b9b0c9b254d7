package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/maauso/studypod-api/internal/bootstrap"
	"github.com/maauso/studypod-api/internal/episode"
)

var (
	genTitle    string
	genUser     string
	genLanguage string
	genVoice    string
)

var generateCmd = &cobra.Command{
	Use:   "generate FILE",
	Short: "Generate one episode from a text file",
	Long: `Generate runs the full pipeline for one text file in this process and
prints the resulting episode as JSON. Use "-" to read the text from stdin.

Redis settings are ignored; the episode is kept in memory and the audio is
written to the configured storage (DATA_DIR or S3).

Examples:
  studypod generate notes.txt --title "Cell Biology"
  cat chapter3.md | studypod generate - --voice nova`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start := time.Now()

		text, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.RedisAddr = ""
		cfg.Workers = 1

		deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
		if err != nil {
			return err
		}

		out, err := deps.Service.Create(ctx, episode.CreateInput{
			UserID:   genUser,
			Text:     text,
			Title:    genTitle,
			Language: genLanguage,
			Voice:    genVoice,
		})
		if err != nil {
			_ = deps.Close(context.Background())
			return err
		}
		logger.Info("generation queued",
			slog.String("episode_id", out.EpisodeID),
			slog.Bool("will_reduce", out.WasReduced),
		)

		// Closing drains the worker pool, so the run has finished afterwards.
		if err := deps.Close(ctx); err != nil {
			return err
		}

		ep, err := deps.Service.Get(context.WithoutCancel(ctx), out.EpisodeID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(ep); err != nil {
			return err
		}

		if ep.Status != episode.StatusReady {
			return fmt.Errorf("episode %s %s after %s: %s",
				ep.ID, ep.Status, time.Since(start).Round(time.Second), ep.ErrorMessage)
		}
		return nil
	},
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("read input: empty text")
	}
	return string(data), nil
}

func init() {
	generateCmd.Flags().StringVar(&genTitle, "title", "", "Episode title")
	generateCmd.Flags().StringVar(&genUser, "user", "cli", "Owner user ID")
	generateCmd.Flags().StringVar(&genLanguage, "language", "", "Language code (default: en)")
	generateCmd.Flags().StringVar(&genVoice, "voice", "", "TTS voice (default: TTS_VOICE)")
}
