package orchestrator

import (
	"context"
	"time"

	"github.com/ShayCichocki/ensemble/internal/conflict"
	iexec "github.com/ShayCichocki/ensemble/internal/exec"
	"github.com/ShayCichocki/ensemble/internal/graph"
	"github.com/ShayCichocki/ensemble/internal/logging"
	"github.com/ShayCichocki/ensemble/internal/matcher"
	"github.com/ShayCichocki/ensemble/internal/rundir"
	"github.com/ShayCichocki/ensemble/internal/state"
	"github.com/ShayCichocki/ensemble/internal/validation"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// Defaults applied when an option is not given.
const (
	DefaultMaxParallelism = 4
	DefaultMaxRetries     = 1
	DefaultTimeout        = 30 * time.Minute
	// DefaultTransientExitCode is EX_TEMPFAIL from sysexits.h.
	DefaultTransientExitCode = 75
)

// RequiredConfig contains the configuration a Coordinator cannot run without.
type RequiredConfig struct {
	// Graph is the built task graph. The coordinator mutates its nodes.
	Graph *graph.TaskGraph
	// Catalog lists the specialists nodes are matched against.
	Catalog *models.Catalog
	// Layout is the run directory.
	Layout *rundir.Layout
	// ArtifactDir is the final artifact tree merge steps promote into.
	ArtifactDir string
}

// OutputValidator checks a finished attempt against a contract.
type OutputValidator interface {
	Validate(ctx context.Context, record models.ExecutionRecord, contract models.OutputContract) models.ValidationReport
}

var _ OutputValidator = (*validation.Validator)(nil)

// RunIndex is the subset of the run index the coordinator writes to.
type RunIndex interface {
	state.NodeStore
	state.AttemptStore
}

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*options)

type options struct {
	maxParallelism int
	maxRetries     int
	transientCodes []int
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
	policy         models.ConflictPolicy
	verifyCommand  string
	verifyTimeout  time.Duration
	exclude        []string
	dryRun         bool
	maxValidations int
	resolutions    []conflict.Resolution
	extraEnv       []string
	logger         *logging.Logger
	emitter        *EventEmitter
	processRunner  iexec.ProcessRunner
	commandRunner  iexec.CommandRunner
	validator      OutputValidator
	matcher        *matcher.Matcher
	index          RunIndex
	cancel         <-chan struct{}
}

func defaultOptions() *options {
	return &options{
		maxParallelism: DefaultMaxParallelism,
		maxRetries:     DefaultMaxRetries,
		transientCodes: []int{DefaultTransientExitCode},
		defaultTimeout: DefaultTimeout,
		policy:         models.PolicyLastWriterWins,
		logger:         logging.NopLogger(),
	}
}

// WithMaxParallelism bounds the number of concurrently running workers.
func WithMaxParallelism(n int) Option {
	return func(o *options) { o.maxParallelism = n }
}

// WithRetry sets the retry budget and the exit codes treated as transient.
// Timeouts are always transient.
func WithRetry(maxRetries int, transientExitCodes ...int) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		if transientExitCodes != nil {
			o.transientCodes = append([]int(nil), transientExitCodes...)
		}
	}
}

// WithTimeouts sets the default attempt timeout and per task-type or
// specialist-type overrides.
func WithTimeouts(def time.Duration, perType map[string]time.Duration) Option {
	return func(o *options) {
		if def > 0 {
			o.defaultTimeout = def
		}
		o.timeouts = perType
	}
}

// WithConflictPolicy sets the run-wide conflict policy. Specialist
// contracts may override it per task.
func WithConflictPolicy(p models.ConflictPolicy) Option {
	return func(o *options) {
		if p != "" {
			o.policy = p
		}
	}
}

// WithVerify runs command in each merge step's staging tree before
// promotion.
func WithVerify(command string, timeout time.Duration) Option {
	return func(o *options) {
		o.verifyCommand = command
		o.verifyTimeout = timeout
	}
}

// WithExclude keeps output files matching the glob patterns out of the
// final tree.
func WithExclude(patterns ...string) Option {
	return func(o *options) { o.exclude = append(o.exclude, patterns...) }
}

// WithDryRun plans every merge step without writing the final tree.
func WithDryRun(dry bool) Option {
	return func(o *options) { o.dryRun = dry }
}

// WithMaxConcurrentValidations bounds validations running at once. Zero
// means the max parallelism.
func WithMaxConcurrentValidations(n int) Option {
	return func(o *options) { o.maxValidations = n }
}

// WithResolutions supplies human decisions for known conflicts. When not
// given, the run directory's resolutions file is read if present.
func WithResolutions(r []conflict.Resolution) Option {
	return func(o *options) { o.resolutions = r }
}

// WithWorkerEnv appends KEY=VALUE pairs to every worker's environment.
func WithWorkerEnv(env ...string) Option {
	return func(o *options) { o.extraEnv = append(o.extraEnv, env...) }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEventEmitter sets the emitter events are published on. The
// coordinator closes it when Run returns.
func WithEventEmitter(e *EventEmitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithProcessRunner replaces the worker process runner (mainly for testing).
func WithProcessRunner(r iexec.ProcessRunner) Option {
	return func(o *options) { o.processRunner = r }
}

// WithCommandRunner replaces the shell runner used for success criteria
// and merge verification.
func WithCommandRunner(r iexec.CommandRunner) Option {
	return func(o *options) { o.commandRunner = r }
}

// WithValidator replaces the output validator.
func WithValidator(v OutputValidator) Option {
	return func(o *options) { o.validator = v }
}

// WithMatcher replaces the specialist matcher.
func WithMatcher(m *matcher.Matcher) Option {
	return func(o *options) { o.matcher = m }
}

// WithRunIndex records node states and attempts in the run index.
func WithRunIndex(idx RunIndex) Option {
	return func(o *options) { o.index = idx }
}

// WithCancelSignal stops the run when ch is closed, like context
// cancellation.
func WithCancelSignal(ch <-chan struct{}) Option {
	return func(o *options) { o.cancel = ch }
}
