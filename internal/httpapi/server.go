package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaymail/internal/mailsync"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// StreamBuffer is the number of changes a stream client may fall behind
	// before it is disconnected.
	StreamBuffer int
	// RequestTimeout bounds calls the server makes to the mail backend.
	RequestTimeout time.Duration
	Logger         mailsync.Logger
}

// Session is the read side of a running sync session.
type Session interface {
	Status() mailsync.Status
	Store() *mailsync.Store
	Subscriptions() *mailsync.Subscriptions
	Reload() error
}

type TaskCreator interface {
	CreateTask(ctx context.Context, req mailsync.TaskRequest) (mailsync.TaskCreated, error)
}

type TaskLogLoader interface {
	LoadTaskLogs(ctx context.Context, taskID string) ([]mailsync.LogEntry, error)
}

type Dependencies struct {
	Session Session
	Tasks   TaskCreator
	Logs    TaskLogLoader
}

type Server struct {
	session     Session
	tasks       TaskCreator
	logs        TaskLogLoader
	cfg         ServerConfig
	rateLimiter *rateLimiter

	closing   chan struct{}
	closeOnce sync.Once
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 256
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		session:     deps.Session,
		tasks:       deps.Tasks,
		logs:        deps.Logs,
		cfg:         cfg,
		rateLimiter: limiter,
		closing:     make(chan struct{}),
	}
}

// CloseStreams ends every open stream with a normal closure. http.Server
// Shutdown does not wait for hijacked connections, so call this first.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" || r.URL.Path == "/" {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodGet:
		route = "messages"
	case len(parts) == 2 && parts[1] == "tasks" && r.Method == http.MethodGet:
		route = "tasks"
	case len(parts) == 2 && parts[1] == "tasks" && r.Method == http.MethodPost:
		route = "create_task"
	case len(parts) == 4 && parts[1] == "tasks" && parts[3] == "logs" && r.Method == http.MethodGet:
		route = "task_logs"
	case len(parts) == 2 && parts[1] == "reload" && r.Method == http.MethodPost:
		route = "reload"
	case len(parts) == 2 && parts[1] == "subscriptions" && r.Method == http.MethodGet:
		route = "subscriptions"
	case len(parts) == 2 && parts[1] == "subscriptions" && r.Method == http.MethodPost:
		route = "subscribe"
	case len(parts) == 3 && parts[1] == "subscriptions" && r.Method == http.MethodDelete:
		route = "unsubscribe"
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if s.rateLimiter != nil && route != "stream" {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "status":
		writeJSON(w, http.StatusOK, s.session.Status())
	case "messages":
		s.handleMessages(w, r)
	case "tasks":
		s.handleTasks(w, r)
	case "create_task":
		s.handleCreateTask(w, r, correlationID)
	case "task_logs":
		s.handleTaskLogs(w, r, parts[2], correlationID)
	case "reload":
		s.handleReload(w, correlationID)
	case "subscriptions":
		writeJSON(w, http.StatusOK, map[string]any{"channels": s.session.Subscriptions().Channels()})
	case "subscribe":
		s.handleSubscribe(w, r, correlationID)
	case "unsubscribe":
		s.handleUnsubscribe(w, parts[2], correlationID)
	case "stream":
		s.handleStream(w, r, correlationID)
	}
}

type messagesResponse struct {
	Phase    mailsync.Phase    `json:"phase"`
	Seq      uint64            `json:"seq"`
	Total    int               `json:"total"`
	Messages []mailsync.Entity `json:"messages"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	store := s.session.Store()
	filter := MessageFilter{
		Folder:  r.URL.Query().Get("folder"),
		Query:   r.URL.Query().Get("q"),
		InboxID: r.URL.Query().Get("inbox"),
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 0, 0, 10000)
	matched := FilterMessages(store.Messages(), filter)
	resp := messagesResponse{
		Phase:    store.Phase(),
		Seq:      store.Seq(),
		Total:    len(matched),
		Messages: matched,
	}
	if limit > 0 && len(resp.Messages) > limit {
		resp.Messages = resp.Messages[:limit]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	store := s.session.Store()
	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	tasks := make([]mailsync.Entity, 0)
	for _, task := range store.Tasks() {
		if status != "" && string(task.Task.Status) != status {
			continue
		}
		tasks = append(tasks, task)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"phase": store.Phase(),
		"seq":   store.Seq(),
		"tasks": tasks,
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.tasks == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "task creation is not configured", correlationID)
		return
	}
	var req mailsync.TaskRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	created, err := s.tasks.CreateTask(ctx, req)
	if err != nil {
		if errors.Is(err, mailsync.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		s.logf("create task failed (correlation %s): %v", correlationID, err)
		writeError(w, http.StatusBadGateway, "creation_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request, taskID, correlationID string) {
	if s.logs == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "task logs are not configured", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	entries, err := s.logs.LoadTaskLogs(ctx, taskID)
	if err != nil {
		if errors.Is(err, mailsync.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		var httpErr *mailsync.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusBadGateway, "snapshot_failed", err.Error(), correlationID)
		return
	}
	filtered := mailsync.FilterLogs(map[string][]mailsync.LogEntry{taskID: entries}, mailsync.LogFilter{
		Query:    r.URL.Query().Get("q"),
		Workflow: r.URL.Query().Get("workflow"),
	})
	type logView struct {
		mailsync.LogEntry
		Title string `json:"title"`
	}
	out := make([]logView, 0, len(filtered))
	for _, entry := range filtered {
		out = append(out, logView{LogEntry: entry, Title: entry.Title()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "logs": out})
}

func (s *Server) handleReload(w http.ResponseWriter, correlationID string) {
	if err := s.session.Reload(); err != nil {
		if errors.Is(err, mailsync.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "session is not running", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reloading", "correlationId": correlationID})
}

type subscribeRequest struct {
	InboxID  string   `json:"inboxId"`
	InboxIDs []string `json:"inboxIds"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req subscribeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ids := req.InboxIDs
	if req.InboxID != "" {
		ids = append([]string{req.InboxID}, ids...)
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "inboxId is required", correlationID)
		return
	}
	subs := s.session.Subscriptions()
	for _, id := range ids {
		if err := subs.Subscribe(id); err != nil {
			if errors.Is(err, mailsync.ErrInvalidInput) {
				writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"channels": subs.Channels()})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, inboxID, correlationID string) {
	subs := s.session.Subscriptions()
	if err := subs.Unsubscribe(inboxID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": subs.Channels()})
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "relaymail_" + uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
