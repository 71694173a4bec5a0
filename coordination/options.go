package coordination

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quorum-ai/orchestrator/backend"
	"github.com/quorum-ai/orchestrator/core"
	"github.com/quorum-ai/orchestrator/ratelimiter"
	"github.com/quorum-ai/orchestrator/session"
)

// PlanningMode controls whether the Orchestrator runs the irreversibility
// pre-check before coordination begins.
type PlanningMode string

const (
	PlanningAuto PlanningMode = "auto"
	PlanningOn   PlanningMode = "on"
	PlanningOff  PlanningMode = "off"
)

// DefaultDeadline and DefaultRestartBudget mirror the defaults enumerated
// for RunTask's options.
const (
	DefaultDeadline        = 30 * time.Second
	DefaultStabilityWindow = 5 * time.Second
	DefaultRestartBudget   = 5
)

// Options configures one RunTask invocation. Built from DefaultOptions
// and a list of functional Option values, following the pack's
// layered-config convention (hardcoded defaults -> env/file override ->
// explicit option).
type Options struct {
	Deadline        time.Duration
	StabilityWindow time.Duration
	RestartBudget   int
	PlanningMode    PlanningMode
	RateLimits      map[backend.Class]ratelimiter.Config
	Logger          core.Logger
	Telemetry       core.Telemetry
	SessionStore    session.Store
}

// Option mutates an in-progress Options value.
type Option func(*Options)

// WithDeadline overrides the task-wide wall-clock deadline.
func WithDeadline(d time.Duration) Option {
	return func(o *Options) { o.Deadline = d }
}

// WithStabilityWindow sets the VotingEngine rule 4 (plurality-with-
// stability) window: d > 0 enables the rule, d == 0 disables it. The
// default is DefaultStabilityWindow.
func WithStabilityWindow(d time.Duration) Option {
	return func(o *Options) { o.StabilityWindow = d }
}

// WithRestartBudget overrides the per-agent forced-restart budget.
func WithRestartBudget(n int) Option {
	return func(o *Options) { o.RestartBudget = n }
}

// WithPlanningMode overrides the irreversibility pre-check behavior.
func WithPlanningMode(m PlanningMode) Option {
	return func(o *Options) { o.PlanningMode = m }
}

// WithRateLimits overrides the Startup-scope RateLimiter configuration
// per BackendClass.
func WithRateLimits(limits map[backend.Class]ratelimiter.Config) Option {
	return func(o *Options) { o.RateLimits = limits }
}

// WithLogger attaches a core.Logger propagated to every component.
func WithLogger(logger core.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithTelemetry attaches a core.Telemetry propagated to every component.
func WithTelemetry(telemetry core.Telemetry) Option {
	return func(o *Options) {
		if telemetry != nil {
			o.Telemetry = telemetry
		}
	}
}

// WithSessionStore attaches the SessionContext persistence backend.
func WithSessionStore(store session.Store) Option {
	return func(o *Options) {
		if store != nil {
			o.SessionStore = store
		}
	}
}

// DefaultOptions returns the baseline configuration described for RunTask,
// with rule 4 enabled at DefaultStabilityWindow.
func DefaultOptions() Options {
	return Options{
		Deadline:        DefaultDeadline,
		StabilityWindow: DefaultStabilityWindow,
		RestartBudget:   DefaultRestartBudget,
		PlanningMode:    PlanningAuto,
		RateLimits: map[backend.Class]ratelimiter.Config{
			"gemini": ratelimiter.DefaultStartupConfig(),
		},
		Logger:       &core.NoOpLogger{},
		Telemetry:    &core.NoOpTelemetry{},
		SessionStore: session.NoOpStore{},
	}
}

// Resolve applies opts on top of DefaultOptions.
func Resolve(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// yamlOptions mirrors the RateLimits/restart_budget/deadline/
// stability_window knobs callers may ship in a config file. The core
// never touches the filesystem itself; callers read the file and pass
// its bytes to DecodeOptionsYAML.
type yamlOptions struct {
	Deadline        string `yaml:"deadline"`
	StabilityWindow string `yaml:"stability_window"`
	RestartBudget   int    `yaml:"restart_budget"`
	PlanningMode    string `yaml:"planning_mode"`
	RateLimits      map[string]struct {
		MaxRequests int    `yaml:"max_requests"`
		TimeWindow  string `yaml:"time_window"`
	} `yaml:"rate_limits"`
}

// DecodeOptionsYAML parses a YAML document into a slice of Option values
// suitable for passing to Resolve/RunTask alongside any explicit
// in-code options (which should be applied after, to take precedence).
func DecodeOptionsYAML(data []byte) ([]Option, error) {
	var raw yamlOptions
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("coordination: invalid options yaml: %w", err)
	}

	var opts []Option

	if raw.Deadline != "" {
		d, err := time.ParseDuration(raw.Deadline)
		if err != nil {
			return nil, fmt.Errorf("coordination: invalid deadline %q: %w", raw.Deadline, err)
		}
		opts = append(opts, WithDeadline(d))
	}

	if raw.StabilityWindow != "" {
		d, err := time.ParseDuration(raw.StabilityWindow)
		if err != nil {
			return nil, fmt.Errorf("coordination: invalid stability_window %q: %w", raw.StabilityWindow, err)
		}
		opts = append(opts, WithStabilityWindow(d))
	}

	if raw.RestartBudget != 0 {
		opts = append(opts, WithRestartBudget(raw.RestartBudget))
	}

	switch PlanningMode(raw.PlanningMode) {
	case PlanningAuto, PlanningOn, PlanningOff:
		opts = append(opts, WithPlanningMode(PlanningMode(raw.PlanningMode)))
	case "":
	default:
		return nil, fmt.Errorf("coordination: invalid planning_mode %q", raw.PlanningMode)
	}

	if len(raw.RateLimits) > 0 {
		limits := make(map[backend.Class]ratelimiter.Config, len(raw.RateLimits))
		for class, cfg := range raw.RateLimits {
			window, err := time.ParseDuration(cfg.TimeWindow)
			if err != nil {
				return nil, fmt.Errorf("coordination: invalid rate_limits[%s].time_window %q: %w", class, cfg.TimeWindow, err)
			}
			limits[backend.Class(class)] = ratelimiter.Config{MaxRequests: cfg.MaxRequests, TimeWindow: window}
		}
		opts = append(opts, WithRateLimits(limits))
	}

	return opts, nil
}
