package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opsforge/caseflow/internal/engine"
	"github.com/opsforge/caseflow/model"
)

func handleTaskComplete(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")

		var body struct {
			Data  map[string]any `json:"data"`
			Notes string         `json:"notes"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		task, err := eng.CompleteTask(r.Context(), taskID, body.Data, body.Notes)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleTaskAssign(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")

		var body struct {
			UserID string `json:"user_id"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		task, err := eng.AssignTask(r.Context(), taskID, body.UserID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleTaskSkip(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		task, err := eng.SkipTask(r.Context(), taskID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleMyTasks(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		tasks, err := eng.ListUserTasks(r.Context(), rctx.ActorID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":  tasks,
			"count": len(tasks),
		})
	}
}
