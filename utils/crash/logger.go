package crash

import (
	"runtime/debug"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

type loggerHandler struct {
	log logger.Logger
}

// UsingLogger returns a handler that logs panics with their stack.
func UsingLogger(log logger.Logger, opts PanicWrapperOpts) *loggerHandler {
	return &loggerHandler{
		log: log.Child("crash").Withn(
			logger.NewStringField("appType", opts.AppType),
			logger.NewStringField("appVersion", opts.AppVersion),
			logger.NewStringField("releaseStage", opts.ReleaseStage),
		),
	}
}

func (h *loggerHandler) Report(err *PanicError) {
	h.log.Errorn("Recovered from panic",
		logger.NewStringField("team", err.Team),
		logger.NewStringField("panic", err.Error()),
		logger.NewStringField("stack", string(err.Stack)),
	)
}

func (h *loggerHandler) Notify(team string) func() {
	return func() {
		if r := recover(); r != nil {
			h.Report(&PanicError{Team: team, Value: r, Stack: debug.Stack()})
			logger.Sync()
			panic(r)
		}
	}
}
