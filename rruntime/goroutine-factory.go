package rruntime

import "github.com/rudderlabs/rudder-migrate/utils/crash"

// GoRoutineFactory starts the background goroutines of the stats client through Go.
var GoRoutineFactory goRoutineFactory

type goRoutineFactory struct{}

func (goRoutineFactory) Go(function func()) {
	Go(function)
}

// Go runs function in a new goroutine. A panic is reported through crash before it is re-raised.
// Capture loop variables before calling, the function runs later.
func Go(function func()) {
	go func() {
		defer crash.Notify("Core")()
		function()
	}()
}
