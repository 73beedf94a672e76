package snapwatch

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/snapstory/snapwatch/internal/config"
	"github.com/hazyhaar/snapstory/snapwatch/internal/shield"
)

const maxMessageBody = 1 << 20

// Handler returns the UI API:
//
//	POST   /api/pages/{pageID}/message  page and orchestrator verbs
//	POST   /api/message                 orchestrator verbs
//	GET    /api/pages                   observed pages
//	POST   /api/pages                   store and observe a page {"id","url","mode"}
//	DELETE /api/pages/{pageID}          stop observing and retire the stored page
//	GET    /api/jobs                    recent host downloads
//	GET    /healthz
//
// Every route but /healthz requires basic auth when cfg.HTTP.User is set.
// Per-endpoint rate limits are read from the rate_limits table of the
// preference database.
func (w *Watcher) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultStack(w.limiter, w.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]any{
			"status":  "ok",
			"pages":   len(w.Pages()),
			"browser": w.mgr.Stats(),
		})
	})

	r.Group(func(r chi.Router) {
		if w.cfg.HTTP.User != "" {
			r.Use(basicAuth(w.cfg.HTTP.User, w.cfg.HTTP.PasswordHash))
		}

		r.Post("/api/message", w.handleMessage)
		r.Post("/api/pages/{pageID}/message", w.handleMessage)

		r.Get("/api/pages", func(rw http.ResponseWriter, _ *http.Request) {
			writeJSON(rw, http.StatusOK, w.Pages())
		})

		r.Post("/api/pages", func(rw http.ResponseWriter, req *http.Request) {
			var pc config.PageConfig
			if err := json.NewDecoder(io.LimitReader(req.Body, maxMessageBody)).Decode(&pc); err != nil {
				writeError(rw, http.StatusBadRequest, err)
				return
			}
			if err := w.AddPage(req.Context(), pc); err != nil {
				writeError(rw, http.StatusBadGateway, err)
				return
			}
			writeJSON(rw, http.StatusCreated, map[string]string{"status": "observing"})
		})

		r.Delete("/api/pages/{pageID}", func(rw http.ResponseWriter, req *http.Request) {
			if err := w.RemovePage(req.Context(), chi.URLParam(req, "pageID")); err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, ErrUnknownPage) {
					status = http.StatusNotFound
				}
				writeError(rw, status, err)
				return
			}
			rw.WriteHeader(http.StatusNoContent)
		})

		r.Get("/api/jobs", func(rw http.ResponseWriter, req *http.Request) {
			jobs, err := w.Jobs(req.Context(), 50)
			if err != nil {
				writeError(rw, http.StatusServiceUnavailable, err)
				return
			}
			writeJSON(rw, http.StatusOK, jobs)
		})
	})
	return r
}

func (w *Watcher) handleMessage(rw http.ResponseWriter, req *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxMessageBody))
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	body, err := w.Message(req.Context(), chi.URLParam(req, "pageID"), raw)
	if errors.Is(err, ErrUnknownPage) {
		writeError(rw, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	rw.Write(body)
}

// Serve runs the UI API on cfg.HTTP.Addr until ctx is cancelled.
func (w *Watcher) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              w.cfg.HTTP.Addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if w.limiter != nil {
		w.limiter.StartReloader(ctx.Done())
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	w.logger.Info("snapwatch: http listening", "addr", w.cfg.HTTP.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func basicAuth(user, hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			u, p, ok := req.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) != nil {
				rw.Header().Set("WWW-Authenticate", `Basic realm="snapwatch"`)
				writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(rw, req)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
