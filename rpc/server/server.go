package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/colock/colock/lib/lease"
	"github.com/colock/colock/lib/store"
	"github.com/colock/colock/lib/store/memstore"
	"github.com/colock/colock/lib/store/redisstore"
	"github.com/colock/colock/rpc/common"
	"github.com/colock/colock/rpc/serializer"
)

var Logger = common.GetLogger("rpc/server")

// --------------------------------------------------------------------------
// Store Factory
// --------------------------------------------------------------------------

// NewStore creates the document store selected by the server configuration.
func NewStore(config common.ServerConfig) (store.IDocStore, error) {
	switch config.StoreBackend {
	case common.StoreBackendMemory, "":
		return memstore.New(nil), nil
	case common.StoreBackendRedis:
		return redisstore.New(&redisstore.Options{
			Addr: config.RedisAddr,
			DB:   config.RedisDB,
		}), nil
	default:
		return nil, fmt.Errorf("invalid store backend %q (expected one of: mem, redis)", config.StoreBackend)
	}
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// NewLockServer creates a new lock server on top of a lease service.
//
// Usage:
//
//	st, _ := server.NewStore(config)
//	svc := lease.NewLockService(st, &lease.Options{DefaultLeaseMinutes: config.DefaultLeaseMinutes})
//	s := server.NewLockServer(config, svc, server.NewAllowAllLimiter())
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewLockServer(config common.ServerConfig, svc lease.ILockService, limiter IRateLimiter) ILockServer {
	if limiter == nil {
		limiter = NewAllowAllLimiter()
	}

	s := &lockServer{
		config:  config,
		svc:     svc,
		limiter: limiter,
	}
	s.httpSrv = &http.Server{
		Addr:    config.Endpoint,
		Handler: s.routes(),
	}

	Logger.Info("Created lock server")
	return s
}

type lockServer struct {
	config  common.ServerConfig
	svc     lease.ILockService
	limiter IRateLimiter
	httpSrv *http.Server

	sweepCancel context.CancelFunc
}

// --------------------------------------------------------------------------
// Interface Methods (docu see server.ILockServer)
// --------------------------------------------------------------------------

func (s *lockServer) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *lockServer) Serve() error {
	Logger.Info("Starting lock server", "endpoint", s.config.Endpoint)
	fmt.Print(s.config.String())

	if s.config.SweepIntervalMinutes > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.sweepCancel = cancel
		go s.sweepLoop(ctx)
	}

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *lockServer) Shutdown(ctx context.Context) error {
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	return s.httpSrv.Shutdown(ctx)
}

// --------------------------------------------------------------------------
// Routing
// --------------------------------------------------------------------------

func (s *lockServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /locks/{collection}/{resource}/acquire", s.guard(s.handleAcquire))
	mux.HandleFunc("GET /locks/{collection}/{resource}/status", s.guard(s.handleStatus))
	mux.HandleFunc("PUT /locks/{collection}/{resource}/extend", s.guard(s.handleExtend))
	mux.HandleFunc("PATCH /locks/{collection}/{resource}/transfer", s.guard(s.handleTransfer))
	mux.HandleFunc("DELETE /locks/{collection}/{resource}/release", s.guard(s.handleRelease))
	mux.HandleFunc("POST /locks/{collection}/{resource}/force-unlock", s.guardAdmin(s.handleForceUnlock))
	mux.HandleFunc("POST /locks/cleanup", s.guardAdmin(s.handleSweep))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	return loggerMiddleware(mux)
}

// guard enforces rate limiting and caller identity for regular lock
// operations.
func (s *lockServer) guard(next func(http.ResponseWriter, *http.Request, lease.Requester)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		req := lease.Requester{
			UserID:      r.Header.Get(common.HeaderUserID),
			TabID:       r.Header.Get(common.HeaderTabID),
			DisplayName: r.Header.Get(common.HeaderUserName),
			Contact:     r.Header.Get(common.HeaderContact),
		}
		if req.UserID == "" || req.TabID == "" {
			http.Error(w, "missing identity headers", http.StatusUnauthorized)
			return
		}

		next(w, r, req)
	}
}

// guardAdmin additionally checks the admin token.
func (s *lockServer) guardAdmin(next func(http.ResponseWriter, *http.Request, lease.Requester)) http.HandlerFunc {
	return s.guard(func(w http.ResponseWriter, r *http.Request, req lease.Requester) {
		if s.config.AdminToken == "" || r.Header.Get(common.HeaderAdminToken) != s.config.AdminToken {
			http.Error(w, "invalid admin token", http.StatusForbidden)
			return
		}
		next(w, r, req)
	})
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (s *lockServer) handleAcquire(w http.ResponseWriter, r *http.Request, req lease.Requester) {
	msg, ser, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	metricRequest("acquire")

	ctx, cancel := s.opContext(r)
	defer cancel()

	minutes := msg.Minutes
	if minutes <= 0 {
		minutes = s.config.LeaseMinutes(msg.Collection)
	}

	res, err := s.svc.Acquire(ctx, msg.Key(), req, minutes)
	s.writeResult(w, ser, common.NewAcquireResponse(&res, err), err, res.OK, res.Reason)
}

func (s *lockServer) handleStatus(w http.ResponseWriter, r *http.Request, req lease.Requester) {
	msg, ser, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	metricRequest("status")

	ctx, cancel := s.opContext(r)
	defer cancel()

	res, err := s.svc.GetStatus(ctx, msg.Key(), req.UserID, req.TabID)
	// Status has no failure modes besides the store itself.
	s.writeResult(w, ser, common.NewStatusResponse(&res, err), err, true, lease.FailNone)
}

func (s *lockServer) handleExtend(w http.ResponseWriter, r *http.Request, req lease.Requester) {
	msg, ser, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	metricRequest("extend")

	ctx, cancel := s.opContext(r)
	defer cancel()

	minutes := msg.Minutes
	if minutes <= 0 {
		minutes = s.config.LeaseMinutes(msg.Collection)
	}

	res, err := s.svc.Extend(ctx, msg.Key(), req.UserID, minutes)
	s.writeResult(w, ser, common.NewExtendResponse(&res, err), err, res.OK, res.Reason)
}

func (s *lockServer) handleTransfer(w http.ResponseWriter, r *http.Request, req lease.Requester) {
	msg, ser, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	metricRequest("transfer")

	if !s.config.AllowSameUserTransfer {
		s.writeResult(w, ser, common.NewTransferResponse(&lease.TransferResult{
			OK:     false,
			Reason: lease.FailInvalidRequest,
		}, nil), nil, false, lease.FailInvalidRequest)
		return
	}

	ctx, cancel := s.opContext(r)
	defer cancel()

	newTabID := msg.NewTabID
	if newTabID == "" {
		newTabID = req.TabID
	}

	res, err := s.svc.Transfer(ctx, msg.Key(), req.UserID, newTabID, msg.Force)
	s.writeResult(w, ser, common.NewTransferResponse(&res, err), err, res.OK, res.Reason)
}

func (s *lockServer) handleRelease(w http.ResponseWriter, r *http.Request, req lease.Requester) {
	msg, ser, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	metricRequest("release")

	ctx, cancel := s.opContext(r)
	defer cancel()

	res, err := s.svc.Release(ctx, msg.Key(), req, msg.Force, msg.Override)
	s.writeResult(w, ser, common.NewReleaseResponse(&res, err), err, res.OK, res.Reason)
}

func (s *lockServer) handleForceUnlock(w http.ResponseWriter, r *http.Request, req lease.Requester) {
	msg, ser, ok := s.readMessage(w, r)
	if !ok {
		return
	}
	metricRequest("force_unlock")

	ctx, cancel := s.opContext(r)
	defer cancel()

	res, err := s.svc.ForceUnlock(ctx, msg.Key(), req.UserID, msg.Reason)
	s.writeResult(w, ser, common.NewForceUnlockResponse(&res, err), err, res.OK, res.Reason)
}

func (s *lockServer) handleSweep(w http.ResponseWriter, r *http.Request, _ lease.Requester) {
	msg, ser, ok := s.readBody(w, r)
	if !ok {
		return
	}
	metricRequest("sweep")

	ctx, cancel := s.opContext(r)
	defer cancel()

	res, err := s.svc.SweepExpired(ctx, msg.Collection, msg.OlderThan, msg.DryRun)
	s.writeResult(w, ser, common.NewSweepResponse(&res, err), err, true, lease.FailNone)
}

func (s *lockServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	// A status read on a probe key exercises the store end to end.
	probe := lease.ResourceKey{Collection: "healthz", ResourceID: "probe"}
	if _, err := s.svc.GetStatus(ctx, probe, "healthz", "healthz"); err != nil {
		Logger.Error("health check failed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// opContext derives the per-operation deadline from the configuration.
func (s *lockServer) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := time.Duration(s.config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

// readMessage parses the request into a Message. The resource address comes
// from the path (plus the lockGroup query parameter); an optional body can
// carry the remaining operation fields.
func (s *lockServer) readMessage(w http.ResponseWriter, r *http.Request) (*common.Message, serializer.IRPCSerializer, bool) {
	msg, ser, ok := s.readBody(w, r)
	if !ok {
		return nil, nil, false
	}

	msg.Collection = r.PathValue("collection")
	msg.ResourceID = r.PathValue("resource")
	if g := r.URL.Query().Get("lockGroup"); g != "" {
		msg.LockGroup = g
	}
	if v := r.URL.Query().Get("override"); v != "" {
		msg.Override, _ = strconv.ParseBool(v)
	}
	if v := r.URL.Query().Get("force"); v != "" {
		msg.Force, _ = strconv.ParseBool(v)
	}

	return msg, ser, true
}

// readBody deserializes the body (if any) with the serializer selected by
// the Content-Type header.
func (s *lockServer) readBody(w http.ResponseWriter, r *http.Request) (*common.Message, serializer.IRPCSerializer, bool) {
	ser := serializer.ForContentType(r.Header.Get("Content-Type"))

	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return nil, nil, false
	}

	msg := &common.Message{}
	if len(body) > 0 {
		if err := ser.Deserialize(body, msg); err != nil {
			http.Error(w, fmt.Sprintf("failed to deserialize request: %s", err), http.StatusBadRequest)
			return nil, nil, false
		}
	}
	return msg, ser, true
}

// writeResult maps the operation outcome onto an HTTP status code and
// writes the serialized envelope. The envelope always carries the full
// result so clients can act on the details regardless of the code.
func (s *lockServer) writeResult(w http.ResponseWriter, ser serializer.IRPCSerializer, msg *common.Message, err error, opOK bool, reason lease.FailReason) {
	code := http.StatusOK
	switch {
	case err != nil:
		metricError(msg.Op.String())
		code = http.StatusInternalServerError
	case !opOK:
		code = failStatus(reason)
	}

	data, serErr := ser.Serialize(*msg)
	if serErr != nil {
		Logger.Error("failed to serialize response", "error", serErr)
		http.Error(w, "failed to serialize response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ser.ContentType())
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		Logger.Warn("failed to write response", "error", err)
	}
}

// failStatus maps contention outcomes onto HTTP status codes.
func failStatus(reason lease.FailReason) int {
	switch reason {
	case lease.FailAlreadyLocked:
		return http.StatusLocked
	case lease.FailMultiTabConflict, lease.FailNotOwner:
		return http.StatusConflict
	case lease.FailInvalidRequest, lease.FailValidation:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// --------------------------------------------------------------------------
// Background Sweep
// --------------------------------------------------------------------------

// sweepLoop periodically removes long-expired leases so abandoned locks do
// not accumulate in the store.
func (s *lockServer) sweepLoop(ctx context.Context) {
	interval := time.Duration(s.config.SweepIntervalMinutes) * time.Minute
	olderThan := s.config.SweepOlderThanMinutes

	Logger.Info("Starting expiry sweep", "interval", interval, "olderThanMinutes", olderThan)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.svc.SweepExpired(ctx, "", olderThan, false)
			if err != nil {
				Logger.Warn("expiry sweep failed", "error", err)
				continue
			}
			for collection, n := range res.Cleaned {
				metricSwept(collection, n)
				Logger.Info("swept expired leases", "collection", collection, "count", n)
			}
		}
	}
}

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

func metricRequest(op string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`colock_requests_total{op=%q}`, op)).Inc()
}

func metricError(op string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`colock_errors_total{op=%q}`, op)).Inc()
}

func metricSwept(collection string, n int) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`colock_swept_leases_total{collection=%q}`, collection)).Add(n)
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware logs every HTTP request with its outcome and duration
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture the status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		Logger.Debug("handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", time.Since(start),
		)
	})
}
