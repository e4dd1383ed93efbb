package httpapi

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"tokenexporter.org/internal/collector"
	"tokenexporter.org/internal/obs"
)

// StateReader is the read side of the collector.
type StateReader interface {
	State() collector.State
}

const aliveText = "I'm Alive :D\n"

// API is the HTTP layer.
type API struct {
	mux    *http.ServeMux
	state  StateReader
	health healthcheck.Handler
	log    *zap.SugaredLogger
}

// New wires the routes. health serves /live and /ready; its checks are
// registered by the caller.
func New(state StateReader, health healthcheck.Handler, log *zap.SugaredLogger) *API {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if health == nil {
		health = healthcheck.NewHandler()
	}
	a := &API{
		mux:    http.NewServeMux(),
		state:  state,
		health: health,
		log:    log.Named("http"),
	}

	a.mux.HandleFunc("GET /{$}", a.Alive)
	a.mux.HandleFunc("GET /metrics", a.Metrics)

	// exporter's own metrics, kept apart from the token document
	a.mux.Handle("GET /-/metrics", obs.Handler())

	a.mux.HandleFunc("GET /live", health.LiveEndpoint)
	a.mux.HandleFunc("GET /ready", health.ReadyEndpoint)

	return a
}

// Handler wraps the mux with request ids, logging and instrumentation.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = SecurityHeaders(h)
	h = Logging(a.log)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Alive(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(aliveText))
}

// Metrics maps the published state to a response:
// Loading and NoToken give 204, Loaded gives 200 with the document, Error
// gives 500 with the cause.
func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	st := a.state.State()
	switch st.Status {
	case collector.StatusLoaded:
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(st.Document))
	case collector.StatusError:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(st.Cause))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
