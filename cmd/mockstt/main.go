// Command mockstt is a stand-in transcription endpoint for local testing.
// It accepts the multipart chunk uploads sent by the http provider and
// answers with a canned transcript, optionally failing a share of requests.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/transcription"
)

func main() {
	port := flag.Int("port", 9000, "Port to listen on")
	latency := flag.Duration("latency", 200*time.Millisecond, "Simulated processing time per chunk")
	failRate := flag.Float64("fail-rate", 0, "Share of requests answered with 503 (0..1)")
	apiKey := flag.String("api-key", "", "Required bearer token (empty accepts any)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /transcribe", func(w http.ResponseWriter, r *http.Request) {
		if *apiKey != "" && r.Header.Get("Authorization") != "Bearer "+*apiKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		info, err := audio.GetWAVInfo(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		index, _ := strconv.Atoi(r.FormValue("chunk_index"))

		logger.Info("Chunk received",
			slog.Int("chunk_index", index),
			slog.String("total_chunks", r.FormValue("total_chunks")),
			slog.String("start", r.FormValue("start")),
			slog.String("end", r.FormValue("end")),
			slog.String("filename", header.Filename),
			slog.Float64("duration", info.Duration),
		)

		select {
		case <-time.After(*latency):
		case <-r.Context().Done():
			return
		}

		if rand.Float64() < *failRate {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "temporarily overloaded", http.StatusServiceUnavailable)
			logger.Warn("Chunk rejected", slog.Int("chunk_index", index))
			return
		}

		text := fmt.Sprintf("chunk %d from %s to %s", index, r.FormValue("start"), r.FormValue("end"))

		if r.FormValue("response_format") == "text" {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintln(w, text)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transcription.TranscriptionResponse{
			Text:       text,
			Language:   r.FormValue("language"),
			Duration:   info.Duration,
			ChunkIndex: index,
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock transcription server starting",
		slog.String("endpoint", fmt.Sprintf("http://localhost%s/transcribe", addr)),
		slog.Float64("fail_rate", *failRate),
	)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
