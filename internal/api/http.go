// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rudderlabs/rudder-go-kit/config"
	kithttputil "github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-migrate/internal/logwatch"
	"github.com/rudderlabs/rudder-migrate/internal/model"
	"github.com/rudderlabs/rudder-migrate/internal/progress"
	"github.com/rudderlabs/rudder-migrate/internal/task"
	"github.com/rudderlabs/rudder-migrate/jsonrs"
)

type controller interface {
	StopIncremental(ctx context.Context) error
	ResumeIncremental(ctx context.Context) error
	RestartIncremental(ctx context.Context) error
	StartReverse(ctx context.Context) error
	StopReverse(ctx context.Context) error
	ResumeReverse(ctx context.Context) error
	RestartReverse(ctx context.Context) error
	StartCheck(ctx context.Context) error
	StopCheck(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() map[model.Phase]task.State
	CheckResult() (logwatch.Result, bool)
}

type statusReader interface {
	ObjectStatuses(ctx context.Context) ([]model.ObjectStatusEntry, error)
	Source(ctx context.Context, phase model.Phase) (progress.SourceSnapshot, error)
	Sink(ctx context.Context, phase model.Phase) (progress.SinkSnapshot, error)
}

type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type connectorStatus struct {
	Source *progress.SourceSnapshot `json:"source,omitempty"`
	Sink   *progress.SinkSnapshot   `json:"sink,omitempty"`
}

type checkStatus struct {
	Outcome string            `json:"outcome"`
	Line    string            `json:"line,omitempty"`
	Matches map[string]string `json:"matches,omitempty"`
}

type statusResponse struct {
	WorkspaceID string                          `json:"workspaceId"`
	Phases      map[model.Phase]task.State      `json:"phases"`
	Connectors  map[model.Phase]connectorStatus `json:"connectors,omitempty"`
	Check       *checkStatus                    `json:"check,omitempty"`
	Objects     []model.ObjectStatusEntry       `json:"objects"`
}

type Api struct {
	logger       logger.Logger
	statsFactory stats.Stats
	ctl          controller
	status       statusReader
	workspaceID  string
	// shutdown is called once the migration was stopped through the API
	shutdown func()

	config struct {
		webPort           int
		readHeaderTimeout time.Duration
		controlTimeout    time.Duration
	}
}

func NewApi(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	workspaceID string,
	ctl controller,
	status statusReader,
	shutdown func(),
) *Api {
	a := &Api{
		logger:       log.Child("api"),
		statsFactory: statsFactory,
		ctl:          ctl,
		status:       status,
		workspaceID:  workspaceID,
		shutdown:     shutdown,
	}
	a.config.webPort = conf.GetIntVar(6543, 1, "Migration.api.port")
	a.config.readHeaderTimeout = conf.GetDurationVar(3, time.Second, "Migration.api.readHeaderTimeout")
	a.config.controlTimeout = conf.GetDurationVar(5, time.Minute, "Migration.api.controlTimeout")
	return a
}

// Start serves the API until ctx is done.
func (a *Api) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.webPort),
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.config.readHeaderTimeout,
	}
	a.logger.Infon("Starting control API", logger.NewIntField("port", int64(a.config.webPort)))
	return kithttputil.ListenAndServe(ctx, srv)
}

// Handler returns the http handler of the control API.
//
// Implemented routes:
// - GET /health
// - GET /v1/status
// - POST /v1/incremental/{stop,resume,restart}
// - POST /v1/reverse/{start,stop,resume,restart}
// - POST /v1/check/{start,stop}
// - POST /v1/stop
func (a *Api) Handler() http.Handler {
	srvMux := chi.NewRouter()
	srvMux.Get("/health", a.healthHandler)
	srvMux.Route("/v1", func(r chi.Router) {
		r.Get("/status", a.statusHandler)
		r.Post("/stop", a.stopHandler)
		r.Route("/incremental", func(r chi.Router) {
			r.Post("/stop", a.control("incremental_stop", a.ctl.StopIncremental))
			r.Post("/resume", a.control("incremental_resume", a.ctl.ResumeIncremental))
			r.Post("/restart", a.control("incremental_restart", a.ctl.RestartIncremental))
		})
		r.Route("/reverse", func(r chi.Router) {
			r.Post("/start", a.control("reverse_start", a.ctl.StartReverse))
			r.Post("/stop", a.control("reverse_stop", a.ctl.StopReverse))
			r.Post("/resume", a.control("reverse_resume", a.ctl.ResumeReverse))
			r.Post("/restart", a.control("reverse_restart", a.ctl.RestartReverse))
		})
		r.Route("/check", func(r chi.Router) {
			r.Post("/start", a.control("check_start", a.ctl.StartCheck))
			r.Post("/stop", a.control("check_stop", a.ctl.StopCheck))
		})
	})
	return srvMux
}

func (a *Api) healthHandler(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, response{Success: true})
}

// control runs f detached from the request: a client that disconnects must not leave a phase
// half started.
func (a *Api) control(op string, f func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer a.statsFactory.NewTaggedStat("migration_api_requests", stats.TimerType, stats.Tags{"op": op}).RecordDuration()()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), a.config.controlTimeout)
		defer cancel()
		if err := f(ctx); err != nil {
			a.logger.Warnn("Control request failed", logger.NewStringField("op", op), obskit.Error(err))
			a.writeJSON(w, statusCode(err), response{Error: err.Error()})
			return
		}
		a.writeJSON(w, http.StatusOK, response{Success: true})
	}
}

func (a *Api) stopHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), a.config.controlTimeout)
	defer cancel()
	err := a.ctl.Stop(ctx)
	if a.shutdown != nil {
		defer a.shutdown()
	}
	if err != nil {
		a.logger.Errorn("Stop request failed", obskit.Error(err))
		a.writeJSON(w, statusCode(err), response{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, response{Success: true})
}

func (a *Api) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{
		WorkspaceID: a.workspaceID,
		Phases:      a.ctl.Status(),
		Connectors:  map[model.Phase]connectorStatus{},
		Objects:     []model.ObjectStatusEntry{},
	}

	objects, err := a.status.ObjectStatuses(ctx)
	switch {
	case errors.Is(err, progress.ErrNotReady):
	case err != nil:
		a.logger.Warnn("Reading object statuses", obskit.Error(err))
		a.writeJSON(w, http.StatusInternalServerError, response{Error: err.Error()})
		return
	default:
		resp.Objects = objects
	}

	for _, phase := range []model.Phase{model.PhaseIncremental, model.PhaseReverse} {
		if _, started := resp.Phases[phase]; !started {
			continue
		}
		var cs connectorStatus
		if source, err := a.status.Source(ctx, phase); err == nil {
			cs.Source = &source
		}
		if sink, err := a.status.Sink(ctx, phase); err == nil {
			cs.Sink = &sink
		}
		resp.Connectors[phase] = cs
	}

	if result, ok := a.ctl.CheckResult(); ok {
		resp.Check = &checkStatus{
			Outcome: result.Outcome.String(),
			Line:    result.Line,
			Matches: result.Matches,
		}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *Api) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsonrs.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warnn("Writing response", obskit.Error(err))
	}
}

func statusCode(err error) int {
	if errors.Is(err, model.ErrInvalidState) || errors.Is(err, model.ErrUnsupportedOperation) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
