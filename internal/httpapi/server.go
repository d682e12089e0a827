// Package httpapi exposes the jobs as authenticated HTTP triggers for external
// schedulers.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"mlm-engine/internal/metrics"
	"mlm-engine/internal/scheduler"
	"mlm-engine/internal/utils"
	"mlm-engine/internal/worker"
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type",
	"Access-Control-Allow-Methods": "POST, OPTIONS",
}

type Server struct {
	runner  *scheduler.Runner
	jobs    map[string]worker.Job
	token   string
	allowed []netip.Prefix
	log     *zap.Logger
}

// NewServer serves jobs under /functions/<job name>. An empty token disables
// bearer auth; an empty allow-list admits every address.
func NewServer(runner *scheduler.Runner, jobs []worker.Job, token string, allowed []netip.Prefix, log *zap.Logger) *Server {
	byName := make(map[string]worker.Job, len(jobs))
	for _, job := range jobs {
		byName[job.Name()] = job
	}
	return &Server{
		runner:  runner,
		jobs:    byName,
		token:   token,
		allowed: allowed,
		log:     log.Named("http"),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	fn := r.PathPrefix("/functions").Subrouter()
	fn.Use(s.cors, s.authorize)
	fn.HandleFunc("/{job}", s.handleTrigger).Methods(http.MethodPost, http.MethodOptions)
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range corsHeaders {
			w.Header().Set(k, v)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := utils.ClientIP(r)
		if len(s.allowed) > 0 && !utils.IsAllowedIP(ip, s.allowed) {
			s.log.Warn("Trigger from disallowed address", zap.String("ip", ip), zap.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		if s.token != "" && !validBearer(r.Header.Get("Authorization"), s.token) {
			s.log.Warn("Trigger with bad credentials", zap.String("ip", ip), zap.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validBearer(header, token string) bool {
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	job, ok := s.jobs[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job "+name)
		return
	}

	// A batch is not abandoned because the caller hung up.
	res, err := s.runner.Run(context.WithoutCancel(r.Context()), job)
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Error("Failed to start job", zap.String("job", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	case !res.Succeeded():
		writeJSON(w, http.StatusInternalServerError, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}
