package scenario

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ubuntu/casprobe/internal/browser"
	"github.com/ubuntu/casprobe/internal/casclient"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/casprobe/internal/profile"
	"github.com/ubuntu/decorate"
	"gopkg.in/yaml.v3"
)

// Runner runs registered scenarios one after the other against the server described by a profile.
type Runner struct {
	registry   *Registry
	profile    profile.Profile
	cas        *casclient.Client
	newBrowser func() (browser.Browser, error)
}

type options struct {
	newBrowser func() (browser.Browser, error)
	casOptions []casclient.Option
}

// Option is a func that allows to override some of the runner default settings.
type Option func(*options)

// WithBrowserFactory replaces the HTTP browser scenarios are given.
func WithBrowserFactory(f func() (browser.Browser, error)) Option {
	return func(o *options) {
		o.newBrowser = f
	}
}

// WithCASOptions adds options to the CAS REST client.
func WithCASOptions(opts ...casclient.Option) Option {
	return func(o *options) {
		o.casOptions = append(o.casOptions, opts...)
	}
}

// NewRunner returns a runner for the scenarios of r, configured from p.
func NewRunner(r *Registry, p profile.Profile, args ...Option) (runner *Runner, err error) {
	defer decorate.OnError(&err, "could not create scenario runner")

	if err := p.Validate(); err != nil {
		return nil, err
	}

	opts := options{
		newBrowser: func() (browser.Browser, error) {
			bOpts := []browser.Option{
				browser.WithTimeout(p.CAS.RequestTimeout),
				browser.WithWait(p.CAS.PollInterval, p.CAS.WaitTimeout),
			}
			if p.CAS.InsecureSkipVerify {
				bOpts = append(bOpts, browser.WithInsecureSkipVerify())
			}
			return browser.NewHTTP(bOpts...)
		},
	}
	casOpts := []casclient.Option{casclient.WithTimeout(p.CAS.RequestTimeout)}
	if p.CAS.InsecureSkipVerify {
		casOpts = append(casOpts, casclient.WithInsecureSkipVerify())
	}
	opts.casOptions = casOpts
	for _, arg := range args {
		arg(&opts)
	}

	cas, err := casclient.New(p.CAS.URL, opts.casOptions...)
	if err != nil {
		return nil, err
	}

	return &Runner{
		registry:   r,
		profile:    p,
		cas:        cas,
		newBrowser: opts.newBrowser,
	}, nil
}

// Run runs the named scenarios in order, or all of them when none is named. A failing
// scenario does not prevent the next ones from running, unless ctx is cancelled.
func (r *Runner) Run(ctx context.Context, names ...string) (report Report, err error) {
	if len(names) == 0 {
		names = r.registry.Names()
	}

	var scenarios []Scenario
	for _, n := range names {
		s, ok := r.registry.Get(n)
		if !ok {
			return Report{}, fmt.Errorf("unknown scenario %q, available ones are %v", n, r.registry.Names())
		}
		scenarios = append(scenarios, s)
	}

	report.Started = time.Now()
	defer func() { report.Finished = time.Now() }()

	for _, s := range scenarios {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		log.Infof(ctx, "Running scenario %s", s.Name())
		env := &Env{
			Profile:    r.profile,
			CAS:        r.cas,
			NewBrowser: r.newBrowser,
		}
		err := s.Run(ctx, env)

		res := Result{Name: s.Name(), Passed: err == nil, Steps: env.Steps()}
		if err != nil {
			res.Error = err.Error()
			log.Errorf(ctx, "Scenario %s failed: %v", s.Name(), err)
		} else {
			log.Infof(ctx, "Scenario %s passed", s.Name())
		}
		report.Results = append(report.Results, res)
	}

	return report, nil
}

// Report gathers the outcome of a run.
type Report struct {
	Started  time.Time `yaml:"started"`
	Finished time.Time `yaml:"finished"`
	Results  []Result  `yaml:"results"`
}

// Result is the outcome of one scenario.
type Result struct {
	Name   string       `yaml:"name"`
	Passed bool         `yaml:"passed"`
	Error  string       `yaml:"error,omitempty"`
	Steps  []StepResult `yaml:"steps"`
}

// Failed reports whether at least one scenario failed.
func (r Report) Failed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return true
		}
	}
	return false
}

// WriteYAML writes the report to path.
func (r Report) WriteYAML(path string) (err error) {
	defer decorate.OnError(&err, "could not write report to %q", path)

	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
