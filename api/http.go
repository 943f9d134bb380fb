package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/metrics"
	"github.com/vinayprograms/taskqueue/queue"
	"github.com/vinayprograms/taskqueue/registry"
	"github.com/vinayprograms/taskqueue/tasks"
	"github.com/vinayprograms/taskqueue/transport"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

type routerOptions struct {
	registry       registry.Registry
	metrics        *metrics.Metrics
	logger         *logging.Logger
	events         *transport.SSEBroadcaster
	ws             transport.WebSocketConfig
	checkOrigin    func(*http.Request) bool
	requestTimeout time.Duration
	health         func(context.Context) error
}

// Option configures the router.
type Option func(*routerOptions)

// WithRegistry enables the scaler registration routes.
func WithRegistry(r registry.Registry) Option {
	return func(o *routerOptions) { o.registry = r }
}

// WithMetrics records HTTP metrics and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *routerOptions) { o.metrics = m }
}

// WithLogger logs one line per request.
func WithLogger(l *logging.Logger) Option {
	return func(o *routerOptions) { o.logger = l }
}

// WithEvents serves the task event stream at /api/v1/events.
func WithEvents(b *transport.SSEBroadcaster) Option {
	return func(o *routerOptions) { o.events = b }
}

// WithWebSocket configures the JSON-RPC WebSocket endpoint at /rpc.
func WithWebSocket(cfg transport.WebSocketConfig, checkOrigin func(*http.Request) bool) Option {
	return func(o *routerOptions) {
		o.ws = cfg
		o.checkOrigin = checkOrigin
	}
}

// WithRequestTimeout bounds REST calls. Streams are not bounded.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *routerOptions) { o.requestTimeout = d }
}

// WithHealthCheck makes /healthz report 503 while check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(o *routerOptions) { o.health = check }
}

type handler struct {
	q        *queue.Queue
	registry registry.Registry
}

// NewRouter builds the HTTP surface of the queue:
//
//	POST   /api/v1/tasks                                 create
//	GET    /api/v1/tasks                                 list (?status=&assignee=&limit=)
//	GET    /api/v1/tasks/{taskID}                        get
//	POST   /api/v1/tasks/{taskID}/complete               complete
//	POST   /api/v1/tasks/{taskID}/cancel                 cancel
//	POST   /api/v1/scalers/{scalerID}/tasks:receive      receive a batch
//	POST   /api/v1/scalers/{scalerID}/tasks:unassign     release held tasks
//	GET    /api/v1/scalers[/{scalerID}]                  registry lookups
//	PUT    /api/v1/scalers/{scalerID}                    register
//	DELETE /api/v1/scalers/{scalerID}                    deregister and release
//	GET    /api/v1/events                                Server-Sent Events
//	GET    /rpc                                          JSON-RPC over WebSocket
//	GET    /healthz, /metrics
func NewRouter(q *queue.Queue, opts ...Option) http.Handler {
	o := routerOptions{
		logger:         logging.Nop(),
		ws:             transport.DefaultWebSocketConfig(),
		requestTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	h := &handler{q: q, registry: o.registry}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(o.logger))
	r.Use(recoverer(o.logger))
	if o.metrics != nil {
		r.Use(instrument(o.metrics))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]string{"code": "NOT_FOUND", "message": "no route for " + r.Method + " " + r.URL.Path},
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if o.health != nil {
			if err := o.health(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if o.metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.metrics.Handler())
	}

	rpc := transport.NewServer(NewDispatcher(q), transport.WithServerLogger(o.logger))
	r.Method(http.MethodGet, "/rpc",
		transport.ServeWebSocket(rpc, transport.NewWebSocketUpgrader(o.checkOrigin), o.ws, o.logger))

	r.Route("/api/v1", func(r chi.Router) {
		if o.events != nil {
			r.Method(http.MethodGet, "/events", o.events)
		}

		r.Group(func(r chi.Router) {
			if o.requestTimeout > 0 {
				r.Use(middleware.Timeout(o.requestTimeout))
			}

			r.Post("/tasks", h.createTask)
			r.Get("/tasks", h.listTasks)
			r.Get("/tasks/{taskID}", h.getTask)
			r.Post("/tasks/{taskID}/complete", h.completeTask)
			r.Post("/tasks/{taskID}/cancel", h.cancelTask)

			r.Post("/scalers/{scalerID}/tasks:receive", h.receiveTasks)
			r.Post("/scalers/{scalerID}/tasks:unassign", h.unassignTasks)

			if h.registry != nil {
				r.Get("/scalers", h.listScalers)
				r.Get("/scalers/{scalerID}", h.getScaler)
				r.Put("/scalers/{scalerID}", h.registerScaler)
				r.Delete("/scalers/{scalerID}", h.deregisterScaler)
			}
		})
	})

	return r
}

// --- Tasks ---

func (h *handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateParams
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := h.q.CreateTask(r.Context(), req.Urgency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if s := query.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, qerrors.InvalidArgument("limit", "an integer"))
			return
		}
		limit = n
	}

	filter := tasks.Filter{
		Status:   tasks.Status(query.Get("status")),
		Assignee: query.Get("assignee"),
	}
	ts, err := h.q.ListTasks(r.Context(), filter, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskList(ts))
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	h.taskOp(w, r, h.q.GetTask)
}

func (h *handler) completeTask(w http.ResponseWriter, r *http.Request) {
	h.taskOp(w, r, h.q.CompleteTask)
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	h.taskOp(w, r, h.q.CancelTask)
}

func (h *handler) taskOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*tasks.Task, error)) {
	task, err := op(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) receiveTasks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchSize int `json:"batch_size"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ts, err := h.q.ReceiveTasks(r.Context(), chi.URLParam(r, "scalerID"), req.BatchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskList(ts))
}

func (h *handler) unassignTasks(w http.ResponseWriter, r *http.Request) {
	ts, err := h.q.UnassignTasks(r.Context(), chi.URLParam(r, "scalerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskList(ts))
}

// --- Scalers ---

type scalerRequest struct {
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *handler) listScalers(w http.ResponseWriter, r *http.Request) {
	scalers, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, registryError(err, ""))
		return
	}
	if scalers == nil {
		scalers = []tasks.Scaler{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scalers": scalers})
}

func (h *handler) getScaler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scalerID")
	scaler, err := h.registry.FindScaler(r.Context(), id)
	if err != nil {
		writeError(w, registryError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, scaler)
}

func (h *handler) registerScaler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scalerID")
	var req scalerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	scaler := tasks.Scaler{ID: id, Name: req.Name, Metadata: req.Metadata}
	if err := h.registry.Register(r.Context(), scaler); err != nil {
		writeError(w, registryError(err, id))
		return
	}
	stored, err := h.registry.FindScaler(r.Context(), id)
	if err != nil {
		writeError(w, registryError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// deregisterScaler removes the scaler and returns its pending tasks to the
// pool, reporting them as they were before release.
func (h *handler) deregisterScaler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scalerID")
	if err := h.registry.Deregister(r.Context(), id); err != nil {
		writeError(w, registryError(err, id))
		return
	}
	ts, err := h.q.EvictScaler(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskList(ts))
}

// decodeBody decodes a JSON request body. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return qerrors.InvalidArgument("body", "a JSON object with known fields", qerrors.WithCause(err))
	}
	return nil
}
