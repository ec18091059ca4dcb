// Package scenario holds the conformance procedures run against a CAS server.
//
// A scenario is a linear sequence of steps. Every step either acts on the server, through a
// browser or the REST API, and asserts on what came back. The first failing step stops its
// scenario.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ubuntu/casprobe/internal/browser"
	"github.com/ubuntu/casprobe/internal/casclient"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/casprobe/internal/profile"
)

// Scenario is a procedure checking one behavioral contract of the server.
type Scenario interface {
	Name() string
	Description() string
	Run(ctx context.Context, env *Env) error
}

// Env is what a scenario is allowed to use while running.
type Env struct {
	Profile profile.Profile
	CAS     *casclient.Client
	// NewBrowser returns a browser with an empty cookie jar.
	NewBrowser func() (browser.Browser, error)

	steps []StepResult
}

// StepResult is the outcome of a single step.
type StepResult struct {
	Name     string        `yaml:"name"`
	Duration time.Duration `yaml:"duration"`
	Error    string        `yaml:"error,omitempty"`
}

// Step runs fn as the step called name and records its outcome.
func (e *Env) Step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	log.Infof(ctx, "  %s", name)

	start := time.Now()
	err := fn(ctx)
	res := StepResult{Name: name, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		log.Warningf(ctx, "  %s failed: %v", name, err)
	}
	e.steps = append(e.steps, res)

	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Steps returns the steps recorded so far.
func (e *Env) Steps() []StepResult {
	return slices.Clone(e.steps)
}

// AssertionError is a response that does not match the expected contract.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "assertion failed: " + e.Message
}

// assertf returns an *AssertionError when cond does not hold.
func assertf(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return &AssertionError{Message: fmt.Sprintf(format, args...)}
}

// IsAssertion reports whether err comes from a failed assertion rather than a request failure.
func IsAssertion(err error) bool {
	var ae *AssertionError
	return errors.As(err, &ae)
}
