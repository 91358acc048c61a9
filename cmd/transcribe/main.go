// Command transcribe runs one chunked transcription of a WAV file and
// prints the transcript to stdout. Progress goes to stderr; an interrupt
// cancels the job and prints whatever text already arrived.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/config"
	"github.com/skypro1111/chunkscribe/internal/pipeline"
	"github.com/skypro1111/chunkscribe/internal/status"
	"github.com/skypro1111/chunkscribe/internal/transcription"
)

// Exit codes
const (
	exitOK        = 0
	exitError     = 1
	exitPartial   = 2
	exitCancelled = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	endpoint := flag.String("endpoint", "", "Override transcription endpoint")
	provider := flag.String("provider", "", "Override provider (http or openai)")
	concurrency := flag.Int("concurrency", 0, "Override max concurrent chunk requests")
	quiet := flag.Bool("quiet", false, "Do not print progress")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] file.wav\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return exitError
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env file: %v\n", err)
	}

	cfg, err := loadConfig(*configPath, *endpoint, *provider, *concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return exitError
	}

	level := slog.LevelWarn
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	file, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open audio: %v\n", err)
		return exitError
	}
	src, err := audio.ReadWAV(file)
	file.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read audio: %v\n", err)
		return exitError
	}

	submitter, err := cfg.Transcription.NewSubmitter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create submitter: %v\n", err)
		return exitError
	}

	client, err := transcription.NewRetryClient(submitter, cfg.Retry.GetRetryPolicy(),
		cfg.Chunking.GetChunkTimeoutDuration(), logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		return exitError
	}

	p, err := pipeline.New(client, cfg.GetPipelineConfig(), logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create pipeline: %v\n", err)
		return exitError
	}

	job, err := p.Start(context.Background(), src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start job: %v\n", err)
		return exitError
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "Cancelling...")
			job.Cancel()
		case <-job.Done():
		}
	}()

	if !*quiet {
		fmt.Fprintf(os.Stderr, "Transcribing %s in %d chunks\n", src.Duration(), len(job.Chunks))
		go printProgress(job)
	}

	result, err := job.Wait(context.Background())

	switch {
	case err == nil:
		fmt.Println(result.Text)
		return exitOK

	case errors.Is(err, pipeline.ErrCancelled):
		if text := result.PartialText(); text != "" {
			fmt.Println(text)
		}
		fmt.Fprintf(os.Stderr, "Cancelled after %d of %d chunks\n", len(result.Succeeded), result.TotalChunks)
		return exitCancelled

	default:
		if text := result.PartialText(); text != "" {
			fmt.Println(text)
		}
		fmt.Fprintln(os.Stderr, err)
		return exitPartial
	}
}

func loadConfig(path, endpoint, provider string, concurrency int) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		cfg.ApplyEnv()
	}

	if provider != "" {
		cfg.Transcription.Provider = provider
		cfg.ApplyEnv()
	}
	if endpoint != "" {
		cfg.Transcription.Endpoint = endpoint
	}
	if concurrency > 0 {
		cfg.Chunking.MaxConcurrency = concurrency
	}

	return cfg, cfg.Validate()
}

func printProgress(job *pipeline.Job) {
	sub := job.Tracker().Subscribe()
	defer sub.Close()

	for event := range sub.Events() {
		switch event.State.Phase {
		case status.PhaseRetrying:
			fmt.Fprintf(os.Stderr, "  chunk %d/%d retrying after attempt %d: %s\n",
				event.ChunkIndex+1, event.TotalChunks, event.State.Attempt, event.Error)
		case status.PhaseSucceeded:
			fmt.Fprintf(os.Stderr, "  chunk %d/%d done\n", event.ChunkIndex+1, event.TotalChunks)
		case status.PhaseFailed:
			fmt.Fprintf(os.Stderr, "  chunk %d/%d failed: %s\n", event.ChunkIndex+1, event.TotalChunks, event.Error)
		}
	}
}
