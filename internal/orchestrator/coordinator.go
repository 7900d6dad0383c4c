package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/ensemble/internal/conflict"
	iexec "github.com/ShayCichocki/ensemble/internal/exec"
	"github.com/ShayCichocki/ensemble/internal/graph"
	"github.com/ShayCichocki/ensemble/internal/logging"
	"github.com/ShayCichocki/ensemble/internal/matcher"
	"github.com/ShayCichocki/ensemble/internal/merge"
	"github.com/ShayCichocki/ensemble/internal/validation"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// Coordinator drives one run of a task graph. A Coordinator runs once.
type Coordinator struct {
	req      RequiredConfig
	opts     *options
	applier  *merge.Applier
	sem      *semaphore.Weighted
	critical graph.CriticalPath
	log      *logging.Logger

	// Loop state. Only the goroutine inside Run touches it.
	events      chan loopEvent
	running     map[string]context.CancelFunc
	validating  int
	validated   []string
	latest      map[string]models.ExecutionRecord
	ledger      conflict.Ledger
	resolutions []conflict.Resolution
	step        int
	stopReason  models.FailureKind
	stopMessage string
	blocked     []models.BlockedSubtree
	internal    []error
	result      *RunResult
	ran         bool
}

// loopEvent is either a finished attempt or a finished validation.
type loopEvent struct {
	attempt    *attemptDone
	validation *validationDone
}

type validationDone struct {
	record    models.ExecutionRecord
	report    models.ValidationReport
	cancelled bool
	err       error
}

// New creates a Coordinator.
func New(req RequiredConfig, opts ...Option) (*Coordinator, error) {
	switch {
	case req.Graph == nil:
		return nil, errors.New("new coordinator: graph is required")
	case req.Catalog == nil:
		return nil, errors.New("new coordinator: catalog is required")
	case req.Layout == nil:
		return nil, errors.New("new coordinator: run layout is required")
	case req.ArtifactDir == "":
		return nil, errors.New("new coordinator: artifact dir is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.maxParallelism < 1 {
		return nil, fmt.Errorf("new coordinator: max parallelism must be >= 1, got %d", o.maxParallelism)
	}
	if o.maxRetries < 0 {
		return nil, fmt.Errorf("new coordinator: max retries must be >= 0, got %d", o.maxRetries)
	}
	if !o.policy.Valid() {
		return nil, fmt.Errorf("new coordinator: unknown conflict policy %q", o.policy)
	}
	if o.processRunner == nil {
		o.processRunner = iexec.NewRunner()
	}
	if o.commandRunner == nil {
		o.commandRunner = iexec.NewRunner()
	}
	if o.validator == nil {
		o.validator = validation.New(validation.WithCommandRunner(o.commandRunner), validation.WithLogger(o.logger))
	}
	if o.matcher == nil {
		o.matcher = matcher.New()
	}
	if o.maxValidations < 1 {
		o.maxValidations = o.maxParallelism
	}
	if o.emitter != nil {
		o.emitter.SetLogger(o.logger)
	}

	applierOpts := []merge.ApplierOption{
		merge.WithExclude(o.exclude...),
		merge.WithDryRun(o.dryRun),
		merge.WithLogger(o.logger),
	}
	if o.verifyCommand != "" {
		applierOpts = append(applierOpts, merge.WithVerify(o.verifyCommand, o.verifyTimeout, o.commandRunner))
	}
	applier, err := merge.NewApplier(req.ArtifactDir, applierOpts...)
	if err != nil {
		return nil, fmt.Errorf("new coordinator: %w", err)
	}

	return &Coordinator{
		req:      req,
		opts:     o,
		applier:  applier,
		sem:      semaphore.NewWeighted(int64(o.maxValidations)),
		critical: req.Graph.CriticalPath(),
		log:      o.logger.WithRun(req.Layout.RunID()),
	}, nil
}

// RunID returns the id of the run directory.
func (c *Coordinator) RunID() string { return c.req.Layout.RunID() }

// Run matches, executes, validates and merges every node, then writes the
// run documents. The returned error covers infrastructure failures only;
// node failures, rollbacks and cancellation are reported in the result.
func (c *Coordinator) Run(ctx context.Context) (*RunResult, error) {
	if c.ran {
		return nil, errors.New("coordinator already ran")
	}
	c.ran = true
	if c.opts.emitter != nil {
		defer c.opts.emitter.Close()
	}

	c.result = &RunResult{RunID: c.RunID()}
	c.events = make(chan loopEvent, c.opts.maxParallelism+c.opts.maxValidations)
	c.running = make(map[string]context.CancelFunc)
	c.latest = make(map[string]models.ExecutionRecord)
	c.ledger = conflict.Ledger{}
	started := time.Now()

	c.resolutions = c.opts.resolutions
	if c.resolutions == nil {
		res, err := conflict.LoadResolutions(c.req.Layout.ResolutionsPath())
		if err != nil {
			return nil, err
		}
		c.resolutions = res
	}

	c.log.Info("run started", "tasks", c.req.Graph.Len(), "max_parallelism", c.opts.maxParallelism)
	c.indexAll()
	if err := c.req.Layout.WriteGraph(c.graphDocument()); err != nil {
		c.log.Warn("write graph failed", "error", err)
	}

	c.emit(Event{Type: EventRunStarted, Message: fmt.Sprintf("%d tasks", c.req.Graph.Len())})
	c.matchAll()
	c.promoteReady()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var wg conc.WaitGroup
	c.loop(ctx, runCtx, cancelRun, &wg)
	wg.Wait()

	return c.result, c.finish(started)
}

// loop is the event loop. It returns once nothing is in flight and nothing
// can be launched or merged.
func (c *Coordinator) loop(parent, ctx context.Context, cancelRun context.CancelFunc, wg *conc.WaitGroup) {
	done := parent.Done()
	cancelSignal := c.opts.cancel

	for {
		select {
		case <-done:
			done = nil
			c.stop(models.FailureCancelled, "context cancelled", cancelRun)
		case <-cancelSignal:
			cancelSignal = nil
			c.stop(models.FailureCancelled, "cancel requested", cancelRun)
		default:
		}
		if c.stopReason == "" {
			c.launchReady(ctx, wg)
		}
		if c.inflight() == 0 {
			if c.stopReason == "" && len(c.validated) > 0 {
				c.mergeStep(parent, ctx, cancelRun)
				continue
			}
			return
		}

		select {
		case ev := <-c.events:
			c.handle(ctx, wg, ev)
			c.drain(ctx, wg)
			if c.stopReason == "" && len(c.validated) > 0 {
				c.mergeStep(parent, ctx, cancelRun)
			}
		case <-done:
			done = nil
			c.stop(models.FailureCancelled, "context cancelled", cancelRun)
		case <-cancelSignal:
			cancelSignal = nil
			c.stop(models.FailureCancelled, "cancel requested", cancelRun)
		}
	}
}

// drain handles every event already queued without blocking.
func (c *Coordinator) drain(ctx context.Context, wg *conc.WaitGroup) {
	for {
		select {
		case ev := <-c.events:
			c.handle(ctx, wg, ev)
		default:
			return
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, wg *conc.WaitGroup, ev loopEvent) {
	switch {
	case ev.attempt != nil:
		c.handleAttempt(ctx, wg, *ev.attempt)
	case ev.validation != nil:
		c.handleValidation(*ev.validation)
	}
}

func (c *Coordinator) inflight() int {
	return len(c.running) + c.validating
}

// stop halts new launches and kills running workers. kind becomes the
// failure reason of every node that does not finish.
func (c *Coordinator) stop(kind models.FailureKind, msg string, cancelRun context.CancelFunc) {
	if c.stopReason != "" {
		return
	}
	c.stopReason = kind
	c.stopMessage = msg
	c.log.Warn("run stopping", "reason", string(kind), "message", msg, "running", len(c.running))
	cancelRun()
	if kind == models.FailureCancelled {
		c.emit(Event{Type: EventRunCancelled, Message: msg})
	}
}

// matchAll assigns a specialist to every node. Unmatched nodes fail and
// block their dependents before anything launches.
func (c *Coordinator) matchAll() {
	for _, a := range c.opts.matcher.MatchAll(c.req.Graph.Nodes(), c.req.Catalog) {
		node := c.req.Graph.Node(a.TaskID)
		if a.Err != nil {
			c.log.WithTask(a.TaskID).Warn("no specialist matched", "error", a.Err)
			c.result.Errors = append(c.result.Errors, a.Err)
			if node.Status == models.TaskStatusPending {
				reason := models.FailureReason{Kind: models.FailureNoMatch, Message: a.Err.Error()}
				c.setFailed(node, models.TaskStatusFailed, reason)
				c.blockDependents(node.ID, reason)
			}
			continue
		}
		res := a.Result
		specialist := res.SpecialistType
		node.Match = &res
		node.AssignedSpecialist = &specialist
		c.log.WithTask(a.TaskID).Debug("matched", "specialist", specialist, "confidence", res.Confidence)
	}
}

// promoteReady moves pending nodes whose dependencies are all merged to
// Ready.
func (c *Coordinator) promoteReady() {
	status := func(id string) models.TaskStatus { return c.req.Graph.Node(id).Status }
	for _, id := range c.req.Graph.Ready(status) {
		c.setStatus(c.req.Graph.Node(id), models.TaskStatusReady)
	}
}

// readyOrder lists Ready nodes, critical-path members first, then by
// submission order.
func (c *Coordinator) readyOrder() []*models.TaskNode {
	var ready []*models.TaskNode
	for _, n := range c.req.Graph.Nodes() {
		if n.Status == models.TaskStatusReady {
			ready = append(ready, n)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		ci, cj := c.critical.Contains(ready[i].ID), c.critical.Contains(ready[j].ID)
		if ci != cj {
			return ci
		}
		return ready[i].Index < ready[j].Index
	})
	return ready
}

func (c *Coordinator) launchReady(ctx context.Context, wg *conc.WaitGroup) {
	for _, node := range c.readyOrder() {
		if len(c.running) >= c.opts.maxParallelism {
			return
		}
		c.launch(ctx, wg, node)
	}
}

// launch starts the next attempt of node on a worker goroutine.
func (c *Coordinator) launch(ctx context.Context, wg *conc.WaitGroup, node *models.TaskNode) {
	spec, ok := c.req.Catalog.Lookup(node.Specialist())
	node.Attempts++
	c.setStatus(node, models.TaskStatusRunning)
	log := c.log.WithTask(node.ID).WithAttempt(node.Attempts)

	a := attempt{
		taskID:     node.ID,
		number:     node.Attempts,
		specialist: spec,
		stdoutPath: c.req.Layout.StdoutPath(node.ID, node.Attempts),
		stderrPath: c.req.Layout.StderrPath(node.ID, node.Attempts),
		runDir:     c.req.Layout.Dir(),
	}
	var err error
	if !ok {
		err = fmt.Errorf("specialist %q not in catalog", node.Specialist())
	}
	if err == nil {
		a.outputDir, err = c.req.Layout.ResetOutputDir(node.ID)
	}
	if err == nil {
		a.argv, err = iexec.BuildArgv(spec.Command, iexec.Placeholders{TaskID: node.ID, Attempt: a.number, OutputDir: a.outputDir})
	}
	if err != nil {
		if spec == nil {
			spec = &models.Specialist{Type: node.Specialist()}
			a.specialist = spec
		}
		now := time.Now()
		c.handleAttempt(ctx, wg, attemptDone{
			record: models.ExecutionRecord{
				TaskID:         node.ID,
				SpecialistType: spec.Type,
				AttemptNumber:  a.number,
				StartTime:      now,
				EndTime:        now,
				ExitCode:       -1,
				OutputsDir:     a.outputDir,
			},
			err: err,
		})
		return
	}
	a.env = c.workerEnv(node, spec, a)
	a.timeout = c.timeoutFor(node, spec)

	attemptCtx, cancel := context.WithCancel(ctx)
	c.running[node.ID] = cancel
	log.Info("worker launched", "specialist", spec.Type, "argv0", a.argv[0], "timeout", a.timeout)

	runner := c.opts.processRunner
	wg.Go(func() {
		done := a.run(attemptCtx, runner)
		c.events <- loopEvent{attempt: &done}
	})
}

func (c *Coordinator) workerEnv(node *models.TaskNode, spec *models.Specialist, a attempt) []string {
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+len(c.opts.extraEnv)+7)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	env = append(env, c.opts.extraEnv...)
	// Later entries win, so the ENSEMBLE_ variables cannot be overridden.
	return append(env,
		"ENSEMBLE_RUN_ID="+c.RunID(),
		"ENSEMBLE_TASK_ID="+node.ID,
		"ENSEMBLE_ATTEMPT="+strconv.Itoa(a.number),
		"ENSEMBLE_SPECIALIST="+spec.Type,
		"ENSEMBLE_OUTPUT_DIR="+a.outputDir,
		"ENSEMBLE_ARTIFACT_DIR="+c.applier.FinalDir(),
		"ENSEMBLE_TASK_DESCRIPTION="+node.Description,
	)
}

// timeoutFor picks the attempt timeout: the task type's configured
// timeout, then the specialist's own, then the specialist type's
// configured timeout, then the default.
func (c *Coordinator) timeoutFor(node *models.TaskNode, spec *models.Specialist) time.Duration {
	if node.TaskType != "" {
		if d := lookupTimeout(c.opts.timeouts, node.TaskType); d > 0 {
			return d
		}
	}
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	if d := lookupTimeout(c.opts.timeouts, spec.Type); d > 0 {
		return d
	}
	return c.opts.defaultTimeout
}

func lookupTimeout(m map[string]time.Duration, key string) time.Duration {
	if d, ok := m[key]; ok {
		return d
	}
	return m[strings.ToLower(key)]
}

// handleAttempt classifies a finished attempt: validate, retry, or fail.
func (c *Coordinator) handleAttempt(ctx context.Context, wg *conc.WaitGroup, d attemptDone) {
	rec := d.record
	node := c.req.Graph.Node(rec.TaskID)
	if cancel, ok := c.running[rec.TaskID]; ok {
		cancel()
		delete(c.running, rec.TaskID)
	}
	log := c.log.WithTask(rec.TaskID).WithAttempt(rec.AttemptNumber)

	var execErr *ExecutionError
	switch {
	case d.err != nil:
		execErr = &ExecutionError{Kind: ErrLaunch, Err: d.err}
	case c.stopReason != "" || d.result.Cancelled:
		execErr = &ExecutionError{Kind: ErrCancelled}
	case d.result.TimedOut:
		execErr = &ExecutionError{Kind: ErrTimeout, Transient: true}
	case d.result.ExitCode != 0:
		execErr = &ExecutionError{Kind: ErrNonZeroExit, Transient: c.transientCode(d.result.ExitCode)}
	}

	if execErr == nil {
		c.recordAttempt(rec, "")
		c.setStatus(node, models.TaskStatusValidating)
		c.validate(ctx, wg, rec)
		log.Info("worker finished", "duration", rec.Duration())
		return
	}

	execErr.TaskID = rec.TaskID
	execErr.Attempt = rec.AttemptNumber
	execErr.ExitCode = d.result.ExitCode
	reason := execErr.Reason()
	if c.stopReason != "" {
		reason.Kind = c.stopReason
		reason.Message = c.stopMessage
	}
	rec.Failure = &reason
	c.recordAttempt(rec, "")

	if execErr.Transient && node.Attempts <= c.opts.maxRetries && c.stopReason == "" {
		log.Warn("transient failure, retrying", "error", execErr, "attempts", node.Attempts)
		c.setStatus(node, models.TaskStatusReady)
		return
	}

	log.Error("task failed", "error", execErr)
	c.result.Errors = append(c.result.Errors, execErr)
	c.setFailed(node, models.TaskStatusFailed, reason)
	if c.stopReason == "" && reason.Kind != models.FailureCancelled {
		c.blockDependents(node.ID, reason)
	}
}

func (c *Coordinator) transientCode(code int) bool {
	for _, t := range c.opts.transientCodes {
		if t == code {
			return true
		}
	}
	return false
}

// validate runs the output validator on a worker goroutine, bounded by the
// validation semaphore.
func (c *Coordinator) validate(ctx context.Context, wg *conc.WaitGroup, rec models.ExecutionRecord) {
	c.validating++
	spec, _ := c.req.Catalog.Lookup(rec.SpecialistType)
	contract := models.OutputContract{}
	if spec != nil {
		contract = spec.Contract
	}
	validator := c.opts.validator

	wg.Go(func() {
		done := validationDone{record: rec}
		var pc panics.Catcher
		pc.Try(func() {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				done.cancelled = true
				return
			}
			defer c.sem.Release(1)
			done.report = validator.Validate(ctx, rec, contract)
		})
		if r := pc.Recovered(); r != nil {
			done.err = r.AsError()
		}
		c.events <- loopEvent{validation: &done}
	})
}

func (c *Coordinator) handleValidation(v validationDone) {
	c.validating--
	rec := v.record
	node := c.req.Graph.Node(rec.TaskID)
	log := c.log.WithTask(rec.TaskID).WithAttempt(rec.AttemptNumber).WithPhase("validate")

	if c.stopReason != "" || v.cancelled {
		kind, msg := c.stopReason, c.stopMessage
		if kind == "" {
			kind, msg = models.FailureCancelled, "validation cancelled"
		}
		c.setFailed(node, models.TaskStatusFailed, models.FailureReason{Kind: kind, Message: msg})
		return
	}
	if v.err != nil {
		reason := models.FailureReason{Kind: models.FailureValidation, Message: v.err.Error()}
		log.Error("validator crashed", "error", v.err)
		c.result.Errors = append(c.result.Errors, fmt.Errorf("validate %s: %w", rec.TaskID, v.err))
		c.setFailed(node, models.TaskStatusFailed, reason)
		c.blockDependents(node.ID, reason)
		return
	}

	report := v.report
	c.result.Reports = append(c.result.Reports, report)
	if err := c.req.Layout.WriteValidation(report); err != nil {
		log.Warn("write validation report failed", "error", err)
	}
	c.indexAttempt(rec, report.Status)

	if err := validation.AsError(report); err != nil {
		log.Warn("validation failed", "error", err)
		c.result.Errors = append(c.result.Errors, err)
		reason := models.FailureReason{Kind: models.FailureValidation, Message: err.Error()}
		c.setFailed(node, models.TaskStatusFailed, reason)
		c.blockDependents(node.ID, reason)
		return
	}

	log.Info("validation passed", "warnings", len(report.Warnings))
	c.latest[rec.TaskID] = rec
	c.validated = append(c.validated, rec.TaskID)
	c.setStatus(node, models.TaskStatusValidated)
}

// blockDependents blocks every not-yet-started transitive dependent of
// root.
func (c *Coordinator) blockDependents(root string, cause models.FailureReason) {
	var blocked []string
	for _, id := range c.req.Graph.TransitiveDependents(root) {
		n := c.req.Graph.Node(id)
		if n.Status != models.TaskStatusPending && n.Status != models.TaskStatusReady {
			continue
		}
		c.setFailed(n, models.TaskStatusBlocked, models.FailureReason{
			Kind:      models.FailureDependencyFailed,
			BlockedBy: root,
			Message:   fmt.Sprintf("%s failed: %s", root, cause),
		})
		blocked = append(blocked, id)
	}
	if len(blocked) > 0 {
		c.blocked = append(c.blocked, models.BlockedSubtree{Root: root, Reason: cause, Dependents: blocked})
		c.log.WithTask(root).Warn("dependents blocked", "count", len(blocked))
	}
}

// setStatus transitions node and publishes the change.
func (c *Coordinator) setStatus(node *models.TaskNode, next models.TaskStatus) {
	from := node.Status
	if err := node.Transition(next); err != nil {
		c.internal = append(c.internal, err)
		c.log.Error("rejected transition", "error", err)
		return
	}
	c.published(node, from)
}

// setFailed moves node to a failure status with reason.
func (c *Coordinator) setFailed(node *models.TaskNode, next models.TaskStatus, reason models.FailureReason) {
	from := node.Status
	if err := node.Fail(next, reason); err != nil {
		c.internal = append(c.internal, err)
		c.log.Error("rejected transition", "error", err)
		return
	}
	c.published(node, from)
}

func (c *Coordinator) published(node *models.TaskNode, from models.TaskStatus) {
	c.indexNode(node)
	c.emit(Event{
		Type:       EventTaskStatus,
		TaskID:     node.ID,
		From:       from,
		To:         node.Status,
		Attempt:    node.Attempts,
		Specialist: node.Specialist(),
		Failure:    node.Failure,
	})
}

func (c *Coordinator) emit(ev Event) {
	if c.opts.emitter == nil {
		return
	}
	ev.RunID = c.RunID()
	ev.Timestamp = time.Now()
	ev.Total = c.req.Graph.Len()
	for _, n := range c.req.Graph.Nodes() {
		if n.Status.Terminal() {
			ev.Done++
		}
	}
	c.opts.emitter.Emit(ev)
}

func (c *Coordinator) recordAttempt(rec models.ExecutionRecord, status models.CheckStatus) {
	c.result.Records = append(c.result.Records, rec)
	if err := c.req.Layout.WriteRecord(rec); err != nil {
		c.log.WithTask(rec.TaskID).Warn("write execution record failed", "error", err)
	}
	c.indexAttempt(rec, status)
}

func (c *Coordinator) indexAttempt(rec models.ExecutionRecord, status models.CheckStatus) {
	if c.opts.index == nil {
		return
	}
	if err := c.opts.index.RecordAttempt(c.RunID(), rec, status); err != nil {
		c.log.Warn("index attempt failed", "error", err)
	}
}

func (c *Coordinator) indexNode(node *models.TaskNode) {
	if c.opts.index == nil {
		return
	}
	if err := c.opts.index.UpsertNode(c.RunID(), node); err != nil {
		c.log.Warn("index node failed", "error", err)
	}
}

func (c *Coordinator) indexAll() {
	for _, n := range c.req.Graph.Nodes() {
		c.indexNode(n)
	}
}
