package transport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opsforge/caseflow/internal/engine"
	"github.com/opsforge/caseflow/model"
)

func handleInstanceStart(eng *engine.Engine, idem engine.IdempotencyStore, idemTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowID")

		var req engine.StartInstanceRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		req.WorkflowID = workflowID

		idemKey := r.Header.Get("X-Idempotency-Key")
		if idem != nil && idemKey != "" {
			key := engine.FormatIdempotencyKey(workflowID, idemKey)
			hash := engine.HashRequest(req)

			cached, found, err := idem.Check(r.Context(), key, hash)
			if err != nil {
				WriteError(w, err)
				return
			}
			if found {
				WriteJSON(w, http.StatusOK, cached)
				return
			}

			inst, err := eng.StartInstance(r.Context(), req)
			if err != nil {
				WriteError(w, err)
				return
			}
			if err := idem.Store(r.Context(), key, hash, *inst, idemTTL); err != nil {
				// The instance started; failing to cache only weakens
				// dedup, so log and return success.
				slog.Warn("idempotency store failed",
					"key", key, "error", err)
			}
			WriteJSON(w, http.StatusCreated, inst)
			return
		}

		inst, err := eng.StartInstance(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceID")

		detail, err := eng.GetInstanceDetail(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

func handleInstanceCancel(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceID")

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := eng.CancelInstance(r.Context(), instanceID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

// decodeJSON parses a request body, treating an empty body as an empty
// object so POST endpoints with all-optional fields need no payload.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
