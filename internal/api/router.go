package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
	logx "jobflow/pkg/logx"
)

// NewHandler builds the admin router. limiter may be nil.
func NewHandler(d Deps, limiter *rate.Limiter) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	h := &handlers{d: d}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if limiter != nil {
		r.Use(rateLimit(limiter))
	}

	r.Get("/health", h.handleHealth())
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	if d.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/scheduler", func(r chi.Router) {
		r.Use(cors)
		r.Get("/status", h.handleStatus())
		r.Get("/jobs", h.handleListJobs())
		r.Put("/jobs", h.handleAllJobsAction())
		r.Get("/jobs/{id}", h.handleJobDetails())
		r.Put("/jobs/{id}", h.handleJobAction())
		r.Get("/jobs/{id}/runs", h.handleJobRuns())
		r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Methods", "PUT,POST,GET")
		hdr.Set("Access-Control-Allow-Headers", "Accept, Origin, Content-type")
		next.ServeHTTP(w, r)
	})
}

func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
