package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"bughunter/internal/config"
	"bughunter/internal/db"
	"bughunter/internal/frontend"
	"bughunter/internal/pipeline"

	"golang.org/x/time/rate"
)

const maxBodySize = 1 << 20 // 1MB

// Per-IP request budget.
const (
	ratePerSecond = 10
	rateBurst     = 10
)

// A client's limiter is dropped once it has been idle for limiterIdleTTL.
// Sweeps run at most once per limiterSweepInterval.
const (
	limiterIdleTTL       = 10 * time.Minute
	limiterSweepInterval = time.Minute
)

const (
	EventThreadCreated        = "thread_created"
	EventApprovalRequested    = "approval_requested"
	EventInstructionSubmitted = "instruction_submitted"
)

// Handler receives decoded frontend events. *pipeline.Coordinator
// satisfies it.
type Handler interface {
	HandleThreadCreated(ctx context.Context, ev frontend.ThreadCreated) (db.Job, bool, error)
	Approve(ctx context.Context, ev frontend.ApprovalRequested) (db.Job, error)
	Instruct(ctx context.Context, ev frontend.InstructionSubmitted) (db.Job, error)
}

// Server accepts frontend events over HTTP.
type Server struct {
	cfg       *config.Config
	store     *db.Store
	handler   Handler
	mux       *http.ServeMux
	startedAt time.Time

	now func() time.Time

	mu        sync.Mutex
	limiters  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewServer(cfg *config.Config, store *db.Store, handler Handler) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		handler:   handler,
		startedAt: time.Now(),
		now:       time.Now,
		limiters:  make(map[string]*visitor),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleEvent)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountJobsByStatus(r.Context())
	if err != nil {
		slog.Error("health: count jobs", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	uptimeSeconds := max(int(time.Since(s.startedAt).Seconds()), 0)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"uptime_seconds": uptimeSeconds,
		"jobs":           counts,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// eventRequest is the body of POST /events.
type eventRequest struct {
	Type      string `json:"type"`
	ThreadRef string `json:"thread_ref"`
	ForumRef  string `json:"forum_ref"`
	ActorID   string `json:"actor_id"`
	JobID     int64  `json:"job_id"`
	Text      string `json:"text"`
}

type eventResponse struct {
	JobID   int64  `json:"job_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Created bool   `json:"created,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	if !s.limiter(ip).AllowN(s.now(), 1) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if secret := s.cfg.Frontend.Secret; secret != "" {
		token := r.Header.Get(frontend.TokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req eventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		slog.Warn("parse event body", "err", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ThreadRef == "" && req.JobID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "thread_ref or job_id is required"})
		return
	}

	ctx := r.Context()
	var (
		job     db.Job
		created bool
	)
	switch req.Type {
	case EventThreadCreated:
		if req.ThreadRef == "" || req.ForumRef == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "thread_ref and forum_ref are required"})
			return
		}
		job, created, err = s.handler.HandleThreadCreated(ctx, frontend.ThreadCreated{ThreadRef: req.ThreadRef, ForumRef: req.ForumRef})
	case EventApprovalRequested:
		job, err = s.handler.Approve(ctx, frontend.ApprovalRequested{ActorID: req.ActorID, JobID: req.JobID, ThreadRef: req.ThreadRef})
	case EventInstructionSubmitted:
		job, err = s.handler.Instruct(ctx, frontend.InstructionSubmitted{ActorID: req.ActorID, JobID: req.JobID, ThreadRef: req.ThreadRef, Text: req.Text})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown event type"})
		return
	}
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("handle event", "type", req.Type, "thread", req.ThreadRef, "err", err)
			writeJSON(w, status, map[string]string{"error": "internal error"})
			return
		}
		slog.Info("event rejected", "type", req.Type, "thread", req.ThreadRef, "actor", req.ActorID, "err", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if req.Type != EventThreadCreated {
		status = http.StatusAccepted
	}
	writeJSON(w, status, eventResponse{JobID: job.ID, Status: job.Status, Created: created})
}

// errorStatus maps coordinator validation errors to HTTP statuses.
func errorStatus(err error) int {
	var verr *pipeline.ValidationError
	if !errors.As(err, &verr) {
		return http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, pipeline.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, pipeline.ErrJobNotFound), errors.Is(err, pipeline.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidState), errors.Is(err, pipeline.ErrJobActive):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) limiter(ip string) *rate.Limiter {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) >= limiterSweepInterval {
		for key, v := range s.limiters {
			if now.Sub(v.lastSeen) >= limiterIdleTTL {
				delete(s.limiters, key)
			}
		}
		s.lastSweep = now
	}
	v, ok := s.limiters[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), rateBurst)}
		s.limiters[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}
