package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
)

const ownerHeader = "X-User-ID"

// TaskService is the part of the scheduling engine the API exposes
type TaskService interface {
	ScheduleTask(ctx context.Context, task model.NewTask) (*model.ScheduledTask, error)
	CancelTask(ctx context.Context, taskID, requester string) (*model.ScheduledTask, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.ScheduledTask, error)
	GetTask(ctx context.Context, taskID, requester string) (*model.ScheduledTask, error)
	ExecutionLogs(ctx context.Context, taskID string) ([]*model.TaskExecutionLog, error)
}

type Server struct {
	r       *chi.Mux
	service TaskService
	logger  *zap.Logger
}

// NewServer builds the HTTP handler of the task API
func NewServer(service TaskService, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, service: service, logger: logger.Named("api")}

	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Post("/{id}/cancel", s.cancelTask)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createTaskReq struct {
	OwnerID        string          `json:"owner_id"`
	TaskType       string          `json:"task_type"`
	ScheduledTime  time.Time       `json:"scheduled_time"`
	Timezone       string          `json:"timezone"`
	Payload        json.RawMessage `json:"payload"`
	RecurrenceRule string          `json:"recurrence_rule"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = r.Header.Get(ownerHeader)
	}

	task, err := s.service.ScheduleTask(r.Context(), model.NewTask{
		OwnerID:        req.OwnerID,
		TaskType:       model.TaskType(req.TaskType),
		ScheduledTime:  req.ScheduledTime,
		Timezone:       req.Timezone,
		Payload:        req.Payload,
		RecurrenceRule: req.RecurrenceRule,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type cancelTaskReq struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requester := r.Header.Get(ownerHeader)
	if requester == "" && r.ContentLength != 0 {
		var req cancelTaskReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		requester = req.OwnerID
	}
	if requester == "" {
		writeMessage(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	task, err := s.service.CancelTask(r.Context(), id, requester)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.TaskFilter{OwnerID: q.Get("owner_id")}
	if filter.OwnerID == "" {
		filter.OwnerID = r.Header.Get(ownerHeader)
	}
	if filter.OwnerID == "" {
		writeMessage(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	if status := q.Get("status"); status != "" {
		for _, st := range strings.Split(status, ",") {
			filter.Status = append(filter.Status, model.TaskStatus(strings.TrimSpace(st)))
		}
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, name+" must be an RFC3339 timestamp")
			return
		}
		*dst = &t
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	tasks, err := s.service.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type taskDetailResp struct {
	Task *model.ScheduledTask      `json:"task"`
	Logs []*model.TaskExecutionLog `json:"logs"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requester := r.Header.Get(ownerHeader)
	if requester == "" {
		requester = r.URL.Query().Get("owner_id")
	}
	if requester == "" {
		writeMessage(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	task, err := s.service.GetTask(r.Context(), id, requester)
	if err != nil {
		s.writeError(w, err)
		return
	}
	logs, err := s.service.ExecutionLogs(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*model.TaskExecutionLog{}
	}
	writeJSON(w, http.StatusOK, taskDetailResp{Task: task, Logs: logs})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidTask), errors.Is(err, model.ErrInvalidRecurrenceRule):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrNotOwner):
		code = http.StatusForbidden
	case errors.Is(err, model.ErrInvalidStateTransition):
		code = http.StatusConflict
	}

	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
		writeMessage(w, code, "internal error")
		return
	}
	writeMessage(w, code, err.Error())
}

type errorResp struct {
	Error string `json:"error"`
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
