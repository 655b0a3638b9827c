// Command webhook-sink is a development receiver for batch completion
// webhooks. It verifies the X-Signature header when a secret is configured
// and logs every delivery it accepts.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/intentd/intentd/pkg/batch"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
)

const maxBodyBytes = 1 << 20

var (
	addrFlag   = flag.String("addr", ":9090", "Listen address")
	secretFlag = flag.String("secret", "", "Shared webhook secret; empty disables signature checks")
	statusFlag = flag.Int("status", http.StatusOK, "Status code to answer deliveries with, useful for exercising retries")
)

func main() {
	flag.Parse()

	logger := observability.NewStandardLogger("webhook-sink")

	r := mux.NewRouter()
	r.HandleFunc("/webhook", receive(logger)).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         *addrFlag,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("Webhook sink listening", map[string]interface{}{
		"addr":             *addrFlag,
		"signature_checks": *secretFlag != "",
		"respond_with":     *statusFlag,
	})
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func receive(logger observability.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if *secretFlag != "" {
			sig := r.Header.Get(batch.SignatureHeader)
			if !batch.VerifySignature(*secretFlag, body, sig) {
				logger.Warn("Rejected delivery with bad signature", map[string]interface{}{
					"remote": r.RemoteAddr,
				})
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
		}

		var payload models.WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			logger.Warn("Rejected undecodable payload", map[string]interface{}{
				"remote": r.RemoteAddr,
				"error":  err.Error(),
			})
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		logger.Info("Delivery received", map[string]interface{}{
			"job_id":          payload.JobID,
			"status":          string(payload.Status),
			"total_items":     payload.TotalItems,
			"processed_items": payload.ProcessedItems,
			"failed_items":    payload.FailedItems,
			"duration_s":      payload.DurationSeconds,
		})
		w.WriteHeader(*statusFlag)
	}
}
