package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camberville/eventline/internal/idempotency"
	"github.com/camberville/eventline/internal/ingest"
	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/pkg/extract"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flyer upload server",
	Long:  "Accepts photo uploads, extracts event details from them, and ingests the results through the dedup engine.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		extractClient := extract.NewClient(cfg.Extract.Key,
			extract.WithBaseURL(cfg.Extract.BaseURL),
			extract.WithModel(cfg.Extract.Model),
		)

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
			snap, err := env.Collector.Snapshot(r.Context(), env.Store, 24*time.Hour)
			if err != nil {
				zap.L().Error("status snapshot failed", zap.Error(err))
				http.Error(w, `{"error":"snapshot failed"}`, http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(snap)
		})

		mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
			handleUpload(w, r, env, extractClient)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// handleUpload reads the flyer image, extracts event details from it, and
// ingests the result under the request's idempotency key. Retried uploads
// reuse the recorded outcome instead of re-running extraction.
func handleUpload(w http.ResponseWriter, r *http.Request, env *engineEnv, extractClient extract.Client) {
	r.Body = http.MaxBytesReader(w, r.Body, cfg.Server.MaxUploadMiB<<20)

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, `{"error":"image file is required"}`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, `{"error":"read image"}`, http.StatusBadRequest)
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = r.FormValue("idempotency_key")
	}
	if key == "" {
		key = uuid.NewString()
	}

	eventID, err := env.Coordinator.IngestUpload(r.Context(), key, func(ctx context.Context) (*model.CandidateEvent, error) {
		extraction, err := extractClient.ExtractEvent(ctx, image, mimeType)
		if err != nil {
			return nil, err
		}
		if extraction == nil {
			return nil, nil
		}
		return candidateFromExtraction(key, extraction), nil
	})
	if err != nil {
		env.Collector.RecordError(uploadSource)
		status, msg := uploadErrorStatus(err)
		zap.L().Warn("upload ingest failed",
			zap.String("key", key),
			zap.Error(err),
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": msg, "idempotency_key": key})
		return
	}

	env.Collector.RecordOutcome(uploadSource, model.StatusInserted)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"event_id":        eventID,
		"idempotency_key": key,
	})
}

func uploadErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ingest.ErrNoEventFound):
		return http.StatusUnprocessableEntity, "no event found in image"
	case errors.Is(err, idempotency.ErrUploadFailed):
		return http.StatusUnprocessableEntity, "upload previously failed"
	case errors.Is(err, idempotency.ErrStillPending):
		return http.StatusConflict, "upload still processing"
	case errors.Is(err, ingest.ErrValidation), errors.Is(err, ingest.ErrExtractionIncomplete):
		return http.StatusUnprocessableEntity, "extracted event is incomplete"
	default:
		return http.StatusInternalServerError, "ingest failed"
	}
}

func candidateFromExtraction(key string, ex *extract.Extraction) *model.CandidateEvent {
	cand := &model.CandidateEvent{
		Source:         uploadSource,
		IdempotencyKey: key,
		Name:           ex.Name,
		Description:    ex.Description,
		StartDate:      ex.StartDate,
		EndDate:        ex.EndDate,
		Confidence:     ex.Confidence,
		TypeLabels:     ex.TypeLabels,
		Price:          ex.Price,
	}
	if ex.Address != "" {
		cand.Address = &ex.Address
	}
	if ex.LocationName != "" {
		cand.LocationName = &ex.LocationName
	}
	if ex.URL != "" {
		cand.URL = &ex.URL
	}
	if ex.AgeRestrictions != "" {
		cand.AgeRestrictions = &ex.AgeRestrictions
	}
	return cand
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
