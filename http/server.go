package http

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// Default settings
const (
	DefaultAddr = ":20202"
)

// Server represents an HTTP API server for RatuDB.
type Server struct {
	ln net.Listener

	httpServer  *http.Server
	promHandler http.Handler

	addr  string
	store *ratudb.Store

	g      errgroup.Group
	ctx    context.Context
	cancel func()

	Logger *slog.Logger
}

func NewServer(store *ratudb.Store, addr string) *Server {
	s := &Server{
		addr:   addr,
		store:  store,
		Logger: slog.Default(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.promHandler = promhttp.Handler()
	s.httpServer = &http.Server{
		Handler: h2c.NewHandler(http.HandlerFunc(s.serveHTTP), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

func (s *Server) Listen() (err error) {
	if s.ln, err = net.Listen("tcp", s.addr); err != nil {
		return err
	}
	return nil
}

func (s *Server) Serve() {
	s.g.Go(func() error {
		if err := s.httpServer.Serve(s.ln); s.ctx.Err() != nil {
			return err
		}
		return nil
	})
}

func (s *Server) Close() (err error) {
	if s.ln != nil {
		if e := s.ln.Close(); err == nil {
			err = e
		}
	}
	if s.httpServer != nil {
		if e := s.httpServer.Close(); err == nil {
			err = e
		}
	}
	s.cancel()
	if e := s.g.Wait(); e != nil && err == nil {
		err = e
	}
	return err
}

// Port returns the port the listener is running on.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the full base URL for the running server.
func (s *Server) URL() string {
	host, _, _ := net.SplitHostPort(s.addr)
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(s.Port())))
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/debug") {
		switch r.URL.Path {
		case "/debug/vars":
			expvar.Handler().ServeHTTP(w, r)
		case "/debug/pprof/cmdline":
			pprof.Cmdline(w, r)
		case "/debug/pprof/profile":
			pprof.Profile(w, r)
		case "/debug/pprof/symbol":
			pprof.Symbol(w, r)
		case "/debug/pprof/trace":
			pprof.Trace(w, r)
		default:
			pprof.Index(w, r)
		}
		return
	}

	switch r.URL.Path {
	case "/metrics":
		s.promHandler.ServeHTTP(w, r)
		return
	case "/recovery/status":
		if r.Method != http.MethodGet {
			s.Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
			return
		}
		s.handleGetRecoveryStatus(w, r)
		return
	case "/shards":
		if r.Method != http.MethodGet {
			s.Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
			return
		}
		s.handleGetShards(w, r)
		return
	}

	if r.Method != http.MethodPost {
		if s.isPostPath(r.URL.Path) {
			s.Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
			return
		}
		http.NotFound(w, r)
		return
	}

	switch r.URL.Path {
	case "/recovery/start":
		s.handlePostRecoveryStart(w, r)
	case "/recovery/files-info":
		s.handlePostFilesInfo(w, r)
	case "/recovery/file-chunk":
		s.handlePostFileChunk(w, r)
	case "/recovery/prepare-translog":
		s.handlePostPrepareTranslog(w, r)
	case "/recovery/translog-ops":
		s.handlePostTranslogOps(w, r)
	case "/recovery/clean-files":
		s.handlePostCleanFiles(w, r)
	case "/recovery/finalize":
		s.handlePostFinalize(w, r)
	case "/recovery/handoff":
		s.handlePostHandoff(w, r)
	case "/recovery/force-sync":
		s.handlePostForceSync(w, r)
	case "/recovery/cancel":
		s.handlePostCancel(w, r)
	case "/shards/recover":
		s.handlePostShardRecover(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) isPostPath(path string) bool {
	switch path {
	case "/recovery/start", "/recovery/files-info", "/recovery/file-chunk",
		"/recovery/prepare-translog", "/recovery/translog-ops", "/recovery/clean-files",
		"/recovery/finalize", "/recovery/handoff", "/recovery/force-sync",
		"/recovery/cancel", "/shards/recover":
		return true
	}
	return false
}

// handlePostRecoveryStart runs a recovery with the local primary as source.
// The response is sent once the recovery ends.
func (s *Server) handlePostRecoveryStart(w http.ResponseWriter, r *http.Request) {
	var req ratudb.StartRecoveryRequest
	if err := readBody(r.Body, &req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	serverRecoveryCountMetric.Inc()
	defer serverRecoveryCountMetric.Dec()

	resp, err := s.store.StartRecovery(r.Context(), &req)
	if err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}
	s.writeMessage(w, r, resp)
}

func (s *Server) handlePostFilesInfo(w http.ResponseWriter, r *http.Request) {
	var req ratudb.RecoveryFilesInfoRequest
	if err := readBody(r.Body, &req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	h := s.store.Recoveries().Handler(req.RecoveryID, req.ShardID)
	if err := h.ReceiveFileInfo(r.Context(), req.FileNames, req.FileSizes, req.ExistingFileNames, req.ExistingFileSizes, req.TotalTranslogOps); err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}
	serverRecoveryRequestCountMetricVec.WithLabelValues("files-info").Inc()
}

func (s *Server) handlePostFileChunk(w http.ResponseWriter, r *http.Request) {
	var req ratudb.FileChunkRequest
	if err := readBody(r.Body, &req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	} else if err := req.Verify(); err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}

	h := s.store.Recoveries().Handler(req.RecoveryID, req.ShardID)
	if err := h.WriteFileChunk(r.Context(), req.Metadata, req.Position, req.Content, req.LastChunk, req.TotalTranslogOps); err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}
	serverRecoveryRequestCountMetricVec.WithLabelValues("file-chunk").Inc()
}

func (s *Server) handlePostPrepareTranslog(w http.ResponseWriter, r *http.Request) {
	var req ratudb.RecoveryPrepareForTranslogOperationsRequest
	if err := readBody(r.Body, &req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	h := s.store.Recoveries().Handler(req.RecoveryID, req.ShardID)
	if err := h.PrepareForTranslogOperations(r.Context(), req.TotalTranslogOps); err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}
	serverRecoveryRequestCountMetricVec.WithLabelValues("prepare-translog").Inc()
}

func (s *Server) handlePostTranslogOps(w http.ResponseWriter, r *http.Request) {
	var req ratudb.RecoveryTranslogOperationsRequest
	if err := readBody(r.Body, &req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	h := s.store.Recoveries().Handler(req.RecoveryID, req.ShardID)
	lcp, err := h.IndexTranslogOperations(r.Context(), req.Operations, req.TotalTranslogOps, req.MaxSeenAutoIDTimestampOnPrimary, req.MaxSeqNoOfUpdatesOrDeletesOnPrimary, req.RetentionLeases, req.MappingVersionOnPrimary)
	if err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}
	serverRecoveryRequestCountMetricVec.WithLabelValues("translog-ops").Inc()
	s.writeMessage(w, r, &ratudb.RecoveryTranslogOperationsResponse{LocalCheckpoint: lcp})
}

func (s *Server) handlePostCleanFiles(w http.ResponseWriter, r *http.Request) {
	var req ratudb.CleanFilesRequest
	if err := readBody(r.Body, &req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	h := s.store.Recoveries().Handler(req.RecoveryID, req.ShardID)
	if err := h.CleanFiles(r.Context(), req.TotalTranslogOps, req.GlobalCheckpoint, req.SourceMetadata); err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}
	serverRecoveryRequestCountMetricVec.WithLabelValues("clean-files").Inc()
}

func (s *Server) handlePostFinalize(w http.ResponseWriter, r *http.Request) {
	var req ratudb.FinalizeRecoveryRequest
	if err := readBody(r.Body, &req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	h := s.store.Recoveries().Handler(req.RecoveryID, req.ShardID)
	if err := h.FinalizeRecovery(r.Context(), req.GlobalCheckpoint, req.TrimAboveSeqNo); err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}
	serverRecoveryRequestCountMetricVec.WithLabelValues("finalize").Inc()
}

func (s *Server) handlePostHandoff(w http.ResponseWriter, r *http.Request) {
	var req ratudb.HandoffPrimaryContextRequest
	if err := readBody(r.Body, &req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	h := s.store.Recoveries().Handler(req.RecoveryID, req.ShardID)
	if err := h.HandoffPrimaryContext(r.Context(), req.PrimaryContext); err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}
	serverRecoveryRequestCountMetricVec.WithLabelValues("handoff").Inc()
}

func (s *Server) handlePostForceSync(w http.ResponseWriter, r *http.Request) {
	var req ratudb.RecoveryRequest
	if err := readBody(r.Body, &req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	h := s.store.Recoveries().Handler(req.RecoveryID, req.ShardID)
	if err := h.ForceSegmentFileSync(r.Context()); err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}
	serverRecoveryRequestCountMetricVec.WithLabelValues("force-sync").Inc()
}

func (s *Server) handlePostCancel(w http.ResponseWriter, r *http.Request) {
	var req ratudb.RecoveryRequest
	if err := readBody(r.Body, &req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	h := s.store.Recoveries().Handler(req.RecoveryID, req.ShardID)
	if err := h.Cancel(r.Context(), req.Reason); err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}
	serverRecoveryRequestCountMetricVec.WithLabelValues("cancel").Inc()
}

// ShardRecoverRequest is the JSON body of a manually triggered recovery.
type ShardRecoverRequest struct {
	Shard             string      `json:"shard"`
	Source            ratudb.Node `json:"source"`
	PrimaryRelocation bool        `json:"primary-relocation,omitempty"`
}

// ShardRecoverResponse is the JSON summary of a completed recovery.
type ShardRecoverResponse struct {
	StartingSeqNo      int64    `json:"starting-seq-no"`
	EndingSeqNo        int64    `json:"ending-seq-no"`
	PhaseOneFileNames  []string `json:"phase1-file-names,omitempty"`
	PhaseOneTotalSize  int64    `json:"phase1-total-size"`
	PhaseTwoOperations int64    `json:"phase2-operations"`
	Took               string   `json:"took"`
}

func (s *Server) handlePostShardRecover(w http.ResponseWriter, r *http.Request) {
	var req ShardRecoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	shardID, err := ratudb.ParseShardID(req.Shard)
	if err != nil {
		s.Error(w, r, err, http.StatusBadRequest)
		return
	} else if req.Source.URL == "" {
		s.Error(w, r, fmt.Errorf("source url required"), http.StatusBadRequest)
		return
	}

	// Create the local copy if it does not exist yet.
	if s.store.Shard(shardID) == nil {
		if _, err := s.store.CreateShard(shardID); err != nil && !errors.Is(err, ratudb.ErrShardExists) {
			s.Error(w, r, err, statusCode(err))
			return
		}
	}

	resp, err := s.store.Recover(r.Context(), shardID, req.Source, req.PrimaryRelocation)
	if err != nil {
		s.Error(w, r, err, statusCode(err))
		return
	}

	s.writeJSON(w, r, ShardRecoverResponse{
		StartingSeqNo:      resp.StartingSeqNo,
		EndingSeqNo:        resp.EndingSeqNo,
		PhaseOneFileNames:  resp.PhaseOneFileNames,
		PhaseOneTotalSize:  resp.PhaseOneTotalSize,
		PhaseTwoOperations: resp.PhaseTwoOperations,
		Took:               resp.Took.String(),
	})
}

// RecoveryStatus is the JSON body of the recovery status endpoint.
type RecoveryStatus struct {
	Targets []ratudb.RecoveryInfo `json:"targets"`
	Sources []ratudb.RecoveryInfo `json:"sources"`
}

func (s *Server) handleGetRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	status := RecoveryStatus{
		Targets: []ratudb.RecoveryInfo{},
		Sources: s.store.SourceRecoveries(),
	}
	for _, t := range s.store.Recoveries().Targets() {
		status.Targets = append(status.Targets, t.State().Info())
	}
	s.writeJSON(w, r, status)
}

func (s *Server) handleGetShards(w http.ResponseWriter, r *http.Request) {
	infos := []ratudb.ShardInfo{}
	for _, shard := range s.store.Shards() {
		info, err := shard.Info()
		if err != nil {
			s.Error(w, r, fmt.Errorf("shard %s: %w", shard.ID(), err), http.StatusInternalServerError)
			return
		}
		infos = append(infos, info)
	}
	s.writeJSON(w, r, infos)
}

func (s *Server) writeMessage(w http.ResponseWriter, r *http.Request, msg io.WriterTo) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := writeBody(w, msg); err != nil {
		s.Logger.Warn("http: cannot write response", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.Logger.Warn("http: cannot write response", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
}

// Error writes err to w. The error kind is sent in ErrorHeader.
func (s *Server) Error(w http.ResponseWriter, r *http.Request, err error, code int) {
	s.Logger.Debug("http: error", slog.String("path", r.URL.Path), slog.Int("code", code), slog.Any("err", err))
	if kind := ErrorKind(err); kind != "" {
		w.Header().Set(ErrorHeader, kind)
	}
	http.Error(w, err.Error(), code)
}

// statusCode returns the HTTP status code for err.
func statusCode(err error) int {
	switch {
	case errors.Is(err, ratudb.ErrRecoveryNotFound), errors.Is(err, ratudb.ErrShardNotFound):
		return http.StatusNotFound
	case errors.Is(err, ratudb.ErrRecoveryInProgress), errors.Is(err, ratudb.ErrMappingTooStale):
		return http.StatusConflict
	case errors.Is(err, ratudb.ErrInvalidFileName), errors.Is(err, ratudb.ErrCorruptedFile), errors.Is(err, ratudb.ErrMissingFile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ratudb.ErrNotPrimary), errors.Is(err, ratudb.ErrShardRelocated),
		errors.Is(err, ratudb.ErrShardNotStarted), errors.Is(err, ratudb.ErrNoPrimary),
		errors.Is(err, ratudb.ErrNodeDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, ratudb.ErrRecoveryCancelled), errors.Is(err, context.Canceled):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// HTTP server metrics.
var (
	serverRecoveryCountMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ratudb_http_recovery_count",
		Help: "Number of recoveries currently sourced over HTTP.",
	})

	serverRecoveryRequestCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratudb_http_recovery_request_count",
		Help: "Number of recovery target requests served.",
	}, []string{"type"})
)
