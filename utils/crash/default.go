// Package crash turns panics in supervised goroutines into errors so the fault path can run.
package crash

import (
	"fmt"
	"runtime/debug"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

var Default panicHandler = &NOOP{}

type panicHandler interface {
	Notify(team string) func()
	Report(err *PanicError)
}

type PanicWrapperOpts struct {
	AppVersion   string
	ReleaseStage string
	AppType      string
}

// PanicError is a recovered panic.
type PanicError struct {
	Team  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Team, e.Value)
}

// Unwrap exposes the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

func Configure(log logger.Logger, opts PanicWrapperOpts) {
	Default = UsingLogger(log, opts)
}

// Wrapper runs fn and returns a *PanicError if it panics.
func Wrapper(fn func() error) func() error {
	return func() error {
		return Call("Core", fn)
	}
}

// Call runs fn, converting a panic into a *PanicError that is also reported to the handler.
func Call(team string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Team: team, Value: r, Stack: debug.Stack()}
			Default.Report(perr)
			err = perr
		}
	}()
	return fn()
}

// Notify is meant to be deferred at the top of a goroutine. A panic is reported and re-raised.
func Notify(team string) func() {
	return Default.Notify(team)
}
