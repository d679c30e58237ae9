package orchestrate

import (
	"fmt"
	"strings"
	"time"
)

// ServiceNotReady means the service was started but its readiness probe never succeeded
// within the timeout. The service is left running.
type ServiceNotReady struct {
	Name    string
	Elapsed time.Duration
	Last    error
}

func (e *ServiceNotReady) Error() string {
	msg := fmt.Sprintf("service %s not ready after %s", e.Name, e.Elapsed.Round(time.Millisecond))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *ServiceNotReady) Unwrap() error { return e.Last }

type StartFailed struct {
	Name string
	Err  error
}

func (e *StartFailed) Error() string {
	return fmt.Sprintf("start %s: %v", e.Name, e.Err)
}

func (e *StartFailed) Unwrap() error { return e.Err }

type StopFailure struct {
	Name string
	Err  error
}

type TeardownError struct {
	Failures []StopFailure
}

func (e *TeardownError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Name, f.Err))
	}
	return "teardown failed: " + strings.Join(parts, "; ")
}

func (e *TeardownError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// UpError collects everything that went wrong in one Up call. Failures holds
// *ServiceNotReady and *StartFailed values, Skipped the services never started because a
// dependency failed.
type UpError struct {
	Failures []error
	Skipped  []string
	Canceled error
	Teardown *TeardownError
}

func (e *UpError) Error() string {
	var parts []string
	if e.Canceled != nil {
		parts = append(parts, "up canceled: "+e.Canceled.Error())
	}
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	if len(e.Skipped) > 0 {
		parts = append(parts, "not started: "+strings.Join(e.Skipped, ", "))
	}
	if e.Teardown != nil {
		parts = append(parts, e.Teardown.Error())
	}
	return strings.Join(parts, "; ")
}

func (e *UpError) Unwrap() []error {
	out := append([]error{}, e.Failures...)
	if e.Canceled != nil {
		out = append(out, e.Canceled)
	}
	if e.Teardown != nil {
		out = append(out, e.Teardown)
	}
	return out
}
