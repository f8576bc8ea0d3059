package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dd0wney/pokeball-coordinator/pkg/audit"
	"github.com/dd0wney/pokeball-coordinator/pkg/auth"
	"github.com/dd0wney/pokeball-coordinator/pkg/lock"
	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
	"github.com/dd0wney/pokeball-coordinator/pkg/replica"
	"github.com/dd0wney/pokeball-coordinator/pkg/replication"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the node's view of the cluster, served at /status
type Status struct {
	NodeID           int      `json:"node_id"`
	State            string   `json:"state"`
	IsLeader         bool     `json:"is_leader"`
	LeaderID         int      `json:"leader_id"`
	ElectionInFlight bool     `json:"election_in_flight"`
	Active           []string `json:"active"`
	Down             []string `json:"down"`
}

// Status returns a point-in-time status of the node
func (n *Node) Status() Status {
	l := n.state.Leadership()
	return Status{
		NodeID:           n.state.SelfID(),
		State:            l.State.String(),
		IsLeader:         l.IsLeader,
		LeaderID:         l.LeaderID,
		ElectionInFlight: l.ElectionInFlight,
		Active:           n.state.ActiveReplicas(),
		Down:             n.state.DownReplicas(),
	}
}

// ErrorResponse is the body of every non-2xx admin response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// TickResponse summarises a tick triggered through the admin API
type TickResponse struct {
	Status    Status              `json:"status"`
	Lost      []string            `json:"lost,omitempty"`
	Recovered []string            `json:"recovered,omitempty"`
	Deferred  []string            `json:"deferred,omitempty"`
	Diverged  map[string][]string `json:"diverged,omitempty"`
	Resynced  []string            `json:"resynced,omitempty"`
	Failed    []string            `json:"failed,omitempty"`
}

// AdminServer serves the node's status, health, metrics and row endpoints.
// With a token manager, row reads need a viewer token and row writes, deletes
// and manual ticks need an operator token. Probe and metrics endpoints stay open.
type AdminServer struct {
	node   *Node
	tokens *auth.TokenManager
	audit  *audit.Logger
	router *mux.Router
	server *http.Server
	logger logging.Logger
}

// NewAdminServer creates an admin server for n listening on addr.
// A nil tokens leaves every endpoint open.
func NewAdminServer(addr string, n *Node, tokens *auth.TokenManager) *AdminServer {
	a := &AdminServer{
		node:   n,
		tokens: tokens,
		audit:  audit.NewLogger(n.cfg.Admin.AuditBuffer),
		router: mux.NewRouter(),
		logger: n.logger.With(logging.Component("admin")),
	}
	a.setupRoutes()
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

func (a *AdminServer) setupRoutes() {
	hc := a.node.health

	a.router.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	a.router.HandleFunc("/health", hc.HTTPHandler()).Methods(http.MethodGet)
	a.router.HandleFunc("/ready", hc.ReadinessHandler()).Methods(http.MethodGet)
	a.router.HandleFunc("/live", hc.LivenessHandler()).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.HandlerFor(
		a.node.metrics.GetPrometheusRegistry(),
		promhttp.HandlerOpts{},
	)).Methods(http.MethodGet)
	a.router.HandleFunc("/tick", a.requireAuth(auth.RoleOperator, a.handleTick)).Methods(http.MethodPost)
	a.router.HandleFunc("/audit", a.requireAuth(auth.RoleViewer, a.handleAudit)).Methods(http.MethodGet)

	// Row endpoints
	a.router.HandleFunc("/tables/{table}/rows", a.requireAuth(auth.RoleViewer, a.handleReadRows)).Methods(http.MethodGet)
	a.router.HandleFunc("/tables/{table}/rows", a.requireAuth(auth.RoleOperator, a.handleWriteRow)).Methods(http.MethodPost)
	a.router.HandleFunc("/tables/{table}/rows", a.requireAuth(auth.RoleOperator, a.handleDeleteRows)).Methods(http.MethodDelete)

	a.router.Use(a.loggingMiddleware)
}

// Handler returns the admin router
func (a *AdminServer) Handler() http.Handler {
	return a.router
}

// SetTLSConfig makes the server speak TLS; call before serving
func (a *AdminServer) SetTLSConfig(cfg *tls.Config) {
	a.server.TLSConfig = cfg
}

// ListenAndServe serves until Shutdown is called
func (a *AdminServer) ListenAndServe() error {
	l, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}
	return a.Serve(l)
}

// Serve accepts connections on l until Shutdown is called
func (a *AdminServer) Serve(l net.Listener) error {
	a.logger.Info("admin server listening",
		logging.String("addr", l.Addr().String()),
		logging.Bool("tls", a.server.TLSConfig != nil))

	var err error
	if a.server.TLSConfig != nil {
		err = a.server.ServeTLS(l, "", "")
	} else {
		err = a.server.Serve(l)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *AdminServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("admin request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Latency(time.Since(start)))
	})
}

func (a *AdminServer) requireAuth(role string, next http.HandlerFunc) http.HandlerFunc {
	if a.tokens == nil {
		return next
	}
	return a.tokens.Require(role, func(w http.ResponseWriter, status int, err error) {
		a.respondError(w, status, err.Error())
	}, next)
}

func (a *AdminServer) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("failed to encode response", logging.Error(err))
	}
}

func (a *AdminServer) respondError(w http.ResponseWriter, status int, message string) {
	a.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}

// errorStatus maps coordinator errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, replication.ErrUnknownTable),
		errors.Is(err, replica.ErrUnknownTable),
		errors.Is(err, replica.ErrUnknownColumn),
		errors.Is(err, replica.ErrInvalidValue),
		errors.Is(err, replica.ErrEmptyCondition):
		return http.StatusBadRequest
	case errors.Is(err, lock.ErrLockUnavailable),
		errors.Is(err, ErrTickInFlight):
		return http.StatusConflict
	case errors.Is(err, replication.ErrNoActiveReplicas),
		errors.Is(err, replication.ErrAllReplicasFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, a.node.Status())
}

// record adds a mutation to the audit trail
func (a *AdminServer) record(r *http.Request, action audit.Action, table string, rows int, err error) {
	e := &audit.Event{
		Action:     action,
		Table:      table,
		Rows:       rows,
		Status:     audit.StatusSuccess,
		RemoteAddr: r.RemoteAddr,
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		e.Subject = claims.Subject
	}
	if err != nil {
		e.Status = audit.StatusFailure
		e.ErrorMessage = err.Error()
	}
	a.audit.Log(e)
}

func (a *AdminServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events := a.audit.Events(&audit.Filter{
		Subject: q.Get("subject"),
		Action:  audit.Action(q.Get("action")),
		Table:   q.Get("table"),
		Status:  audit.Status(q.Get("status")),
	})
	a.respondJSON(w, http.StatusOK, events)
}

func (a *AdminServer) handleTick(w http.ResponseWriter, r *http.Request) {
	report, err := a.node.Tick(r.Context())
	a.record(r, audit.ActionTick, "", len(report.Reconcile.Resynced), err)
	if err != nil {
		a.respondError(w, errorStatus(err), err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, TickResponse{
		Status:    a.node.Status(),
		Lost:      report.Health.Lost,
		Recovered: report.Health.Recovered,
		Deferred:  report.Health.Deferred,
		Diverged:  report.Reconcile.Diverged,
		Resynced:  report.Reconcile.Resynced,
		Failed:    report.Reconcile.Failed,
	})
}

// conditionFromQuery builds an equality condition from query parameters,
// parsing each value by its column type
func conditionFromQuery(table string, q url.Values) (replica.Condition, error) {
	t, err := replica.LookupTable(table)
	if err != nil {
		return nil, err
	}
	cond := make(replica.Condition, len(q))
	for key, values := range q {
		col, ok := t.Column(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", replica.ErrUnknownColumn, table, key)
		}
		v, err := col.Parse(values[len(values)-1])
		if err != nil {
			return nil, err
		}
		cond[key] = v
	}
	return cond, nil
}

func (a *AdminServer) handleReadRows(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	cond, err := conditionFromQuery(table, r.URL.Query())
	if err != nil {
		a.respondError(w, errorStatus(err), err.Error())
		return
	}

	rows, err := a.node.coordinator.Read(r.Context(), table, cond)
	if err != nil {
		a.respondError(w, errorStatus(err), err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, rows)
}

func (a *AdminServer) handleWriteRow(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]

	var row replica.Row
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		a.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result, err := a.node.coordinator.Write(r.Context(), table, row)
	written := 0
	if err == nil {
		written = 1
	}
	a.record(r, audit.ActionWrite, table, written, err)
	if err != nil {
		a.respondError(w, errorStatus(err), err.Error())
		return
	}
	a.respondJSON(w, http.StatusCreated, result)
}

func (a *AdminServer) handleDeleteRows(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	cond, err := conditionFromQuery(table, r.URL.Query())
	if err != nil {
		a.respondError(w, errorStatus(err), err.Error())
		return
	}

	result, err := a.node.coordinator.Delete(r.Context(), table, cond)
	a.record(r, audit.ActionDelete, table, len(result.Rows), err)
	if err != nil {
		a.respondError(w, errorStatus(err), err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, result)
}
