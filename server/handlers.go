package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/schedule"
	"github.com/quenlab/qce/task"
)

// httpStatus maps classified errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// handleTasks serves the task collection: list and create.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.tasks.ListTasks(r.Context())
		if err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})

	case http.MethodPost:
		var t task.ExportTask
		if !readJSON(w, r, &t) {
			return
		}
		st, err := s.orch.CreateTask(r.Context(), &t)
		if err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		s.orch.Start(&t)
		writeJSON(w, http.StatusCreated, task.TaskWithState{Task: t, State: *st})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTaskByID serves one task: get, cancel, delete.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/tasks/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "missing task id")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "cancel":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if err := s.orch.Cancel(id); err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"taskId": id, "status": "canceling"})

	case len(parts) == 1 && r.Method == http.MethodGet:
		ts, err := s.tasks.GetTask(r.Context(), id)
		if err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ts)

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.tasks.DeleteTask(r.Context(), id); err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"taskId": id, "status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGroups lists joined groups from the bridge.
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	groups, err := s.adapter.ListGroups(r.Context())
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

// handleFriends lists friends from the bridge.
func (s *Server) handleFriends(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	friends, err := s.adapter.ListFriends(r.Context())
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"friends": friends})
}

// handleSchedules serves the scheduled-export collection.
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		defs, err := s.schedules.List(r.Context())
		if err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": defs})

	case http.MethodPost:
		var se schedule.ScheduledExport
		if !readJSON(w, r, &se) {
			return
		}
		if err := s.saveSchedule(r, &se, true); err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, se)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleScheduleByID serves one scheduled export: get, update, delete, and
// its execution history.
func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/schedules/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "missing schedule id")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "history":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		hist, err := s.schedules.History(r.Context(), id, limit)
		if err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": hist})

	case len(parts) == 1 && r.Method == http.MethodGet:
		se, err := s.schedules.Get(r.Context(), id)
		if err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, se)

	case len(parts) == 1 && r.Method == http.MethodPut:
		var se schedule.ScheduledExport
		if !readJSON(w, r, &se) {
			return
		}
		se.ID = id
		existing, err := s.schedules.Get(r.Context(), id)
		if err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		se.CreatedAt = existing.CreatedAt
		se.LastRun = existing.LastRun
		if err := s.saveSchedule(r, &se, false); err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, se)

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.schedules.Delete(r.Context(), id); err != nil {
			writeError(w, httpStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// saveSchedule validates, stamps, and persists a definition. The trigger
// must parse; nextRun is precomputed for display.
func (s *Server) saveSchedule(r *http.Request, se *schedule.ScheduledExport, create bool) error {
	if !se.ChatRef.Valid() {
		return errors.NewInvalidRequestError("invalid chat ref")
	}
	now := time.Now()
	if create {
		se.ID = uuid.NewString()
		se.CreatedAt = now
	}
	se.UpdatedAt = now

	next, ok := schedule.NextRunOf(se, now)
	if !ok {
		return errors.NewInvalidRequestError("schedule trigger never fires")
	}
	se.NextRun = &next

	return s.schedules.Save(r.Context(), se)
}
