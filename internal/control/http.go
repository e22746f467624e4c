// Package control exposes a running session over HTTP and gRPC health.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/internal/observability"
	"github.com/signalsfoundry/geospatial-session/internal/session"
	"github.com/signalsfoundry/geospatial-session/model"
)

// RequestIDHeader carries the caller's request id.
const RequestIDHeader = "X-Request-ID"

// DefaultRequestTimeout bounds how long a command waits for the tick
// thread.
const DefaultRequestTimeout = 5 * time.Second

// Session is the part of a session controller the API drives. Both
// methods are safe to call from request goroutines.
type Session interface {
	Submit(ctx context.Context, cmd session.Command) (session.Reply, error)
	Snapshot() session.Snapshot
}

// Server serves the control API.
type Server struct {
	session Session
	log     logging.Logger
	metrics *observability.APICollector
	limiter *rate.Limiter
	timeout time.Duration
}

// Option customises a Server.
type Option func(*Server)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records request counts and latencies.
func WithMetrics(m *observability.APICollector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPlaceLimit limits placements to perSecond with the given burst. A
// non-positive rate disables the limit.
func WithPlaceLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRequestTimeout bounds the wait for each command.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer builds the API around sess.
func NewServer(sess Session, opts ...Option) *Server {
	s := &Server{
		session: sess,
		log:     logging.Noop(),
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.observe)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.status)

	r.Get("/anchors", s.listAnchors)
	r.With(s.limitPlacements).Post("/anchors", s.placeAnchor)
	r.Delete("/anchors", s.clearAnchors)
	r.Put("/geometry", s.setGeometry)
	r.Put("/anchor-type", s.selectType)
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if incoming := r.Header.Get(RequestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, id := logging.EnsureRequestID(ctx)
		w.Header().Set(RequestIDHeader, id)

		reqLog := s.log.With(
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		)
		ctx = logging.ContextWithLogger(ctx, reqLog)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		s.metrics.ObserveHTTP(route, r.Method, code, time.Since(began))
	})
}

func (s *Server) limitPlacements(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			res := s.limiter.Reserve()
			if delay := res.Delay(); !res.OK() || delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				writeError(w, http.StatusTooManyRequests, errors.New("placement rate exceeded"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// submit runs cmd on the tick thread and maps failures to a response.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd session.Command) (session.Reply, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	reply, err := s.session.Submit(ctx, cmd)
	if err != nil {
		code := HTTPStatus(err)
		log := logging.FromContext(r.Context(), s.log)
		if code >= http.StatusInternalServerError {
			log.Warn(ctx, "command failed", logging.String("command", cmd.Kind.String()), logging.Err(err))
		} else {
			log.Debug(ctx, "command rejected", logging.String("command", cmd.Kind.String()), logging.Err(err))
		}
		writeError(w, code, err)
		return reply, false
	}
	return reply, true
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.session.Snapshot()
	if snap.Terminated {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "terminated"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	snap := s.session.Snapshot()
	if !Ready(snap) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"localization": snap.Localization.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"localization": snap.Localization.String()})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewStatusView(s.session.Snapshot()))
}

func (s *Server) listAnchors(w http.ResponseWriter, _ *http.Request) {
	snap := s.session.Snapshot()
	out := make([]AnchorView, 0, len(snap.Anchors))
	for _, rec := range snap.Anchors {
		out = append(out, NewAnchorView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) placeAnchor(w http.ResponseWriter, r *http.Request) {
	var req PlaceRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tap, err := req.Tap()
	if err != nil {
		writeError(w, HTTPStatus(err), err)
		return
	}
	reply, ok := s.submit(w, r, session.Command{Kind: session.CommandPlace, Tap: tap})
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, PlaceResponse{ID: string(reply.Anchor), Type: reply.AnchorType.String()})
}

func (s *Server) clearAnchors(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.submit(w, r, session.Command{Kind: session.CommandClearAll}); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setGeometry(w http.ResponseWriter, r *http.Request) {
	var req GeometryRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Show == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: show is required", ErrInvalidRequest))
		return
	}
	reply, ok := s.submit(w, r, session.Command{Kind: session.CommandSetGeometry, Show: *req.Show})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, GeometryResponse{Shown: reply.GeometryShown})
}

func (s *Server) selectType(w http.ResponseWriter, r *http.Request) {
	var req AnchorTypeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := model.ParseAnchorType(req.Type)
	if err != nil {
		writeError(w, HTTPStatus(err), err)
		return
	}
	reply, ok := s.submit(w, r, session.Command{Kind: session.CommandSelectType, AnchorType: t})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, AnchorTypeRequest{Type: reply.AnchorType.String()})
}

// Ready reports whether snap describes a session that can place anchors.
func Ready(snap session.Snapshot) bool {
	return snap.Localization == model.LocalizationLocalized && snap.Fatal == "" && !snap.Terminated
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
