// Package driver implements the step loop / run lifecycle of SPEC_FULL.md
// §4.7: the state machine (Initializing, Running, Stopping, Completed)
// that rendezvouses workers at startup, drives the scheduler one step at a
// time, enforces save/eval frequency controls, and exits on epoch or
// benchmark completion.
//
// Grounded on cmd/coordinator/coordinator.go's signal-driven Start/shutdown
// choreography (a select loop tearing down gracefully on either a stop
// signal or the work completing on its own) and components/coordinator.go's
// Start method (fail-fast sequential initialization before entering the
// main loop), generalized from one compute request to a training run's
// epoch/step/save/eval/benchmark control.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openpsi-project/realmaster/buffer"
	"github.com/openpsi-project/realmaster/dataowner"
	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/driver/timeutil"
	"github.com/openpsi-project/realmaster/rlog"
	"github.com/openpsi-project/realmaster/scheduler"
	"github.com/openpsi-project/realmaster/stream"
	"github.com/openpsi-project/realmaster/telemetry"
)

// State is one of the four run states named in SPEC_FULL.md §4.7.
type State int

const (
	Initializing State = iota
	Running
	Stopping
	Completed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// ErrExperimentComplete is the sentinel the step loop returns on ordinary
// epoch or benchmark completion; the driver's caller treats it as a clean
// exit rather than a failure, mirroring the original's ExperimentComplete
// exception class (spec.md §7 "Expected stop").
var ErrExperimentComplete = errors.New("driver: experiment complete")

// FinetuneSpec mirrors the data workers' "spec" reply (SPEC_FULL.md §6).
type FinetuneSpec struct {
	BatchSizePerDevice int
	StepsPerEpoch      int
	TotalTrainEpochs   int
	TotalTrainSteps    int
}

// RunStats accumulates step-duration history for throughput reporting,
// supplementing spec.md with the original's e2e_time_history/
// level_time_history averaging (SPEC_FULL.md §4.7).
type RunStats struct {
	StepDurations []time.Duration
}

// Average returns the mean step duration, or zero if no steps completed.
func (r *RunStats) Average() time.Duration {
	if len(r.StepDurations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range r.StepDurations {
		total += d
	}
	return total / time.Duration(len(r.StepDurations))
}

// Driver owns the step loop: it rendezvouses workers, repeatedly lets the
// scheduler traverse the DFG one step, issues at-most-one-outstanding
// clear_data_cache broadcasts, and applies save/eval/benchmark/completion
// policy.
type Driver struct {
	graph    *dfg.Graph
	buf      *buffer.Buffer
	registry *dataowner.Registry
	client   stream.Client
	sched    *scheduler.Scheduler
	topos    scheduler.ModelTopos
	loader   DataLoader

	ftSpec        FinetuneSpec
	saveFreq      *timeutil.EpochStepTimeFreqCtl
	evalFreq      *timeutil.EpochStepTimeFreqCtl
	benchmarkSteps int
	modelSaveRoot string

	log   *rlog.Component
	Stats RunStats

	state State
}

// Config bundles everything New needs to wire a Driver.
type Config struct {
	Graph         *dfg.Graph
	Buffer        *buffer.Buffer
	Registry      *dataowner.Registry
	Client        stream.Client
	Scheduler     *scheduler.Scheduler
	Topologies    scheduler.ModelTopos
	Loader        DataLoader
	FinetuneSpec  FinetuneSpec
	SaveFreq      timeutil.EpochStepTimeFreqCtl
	EvalFreq      timeutil.EpochStepTimeFreqCtl
	BenchmarkSteps int
	ModelSaveRoot string
}

// New builds a Driver from cfg. SaveFreq/EvalFreq are copied by value since
// timeutil.EpochStepTimeFreqCtl carries only value state.
func New(cfg Config) *Driver {
	saveFreq := cfg.SaveFreq
	evalFreq := cfg.EvalFreq
	return &Driver{
		graph:         cfg.Graph,
		buf:           cfg.Buffer,
		registry:      cfg.Registry,
		client:        cfg.Client,
		sched:         cfg.Scheduler,
		topos:         cfg.Topologies,
		loader:        cfg.Loader,
		ftSpec:        cfg.FinetuneSpec,
		saveFreq:      &saveFreq,
		evalFreq:      &evalFreq,
		benchmarkSteps: cfg.BenchmarkSteps,
		modelSaveRoot: cfg.ModelSaveRoot,
		log:           rlog.New("driver", ""),
		state:         Initializing,
	}
}

// State returns the driver's current run state.
func (d *Driver) State() State { return d.state }

// Run rendezvouses every worker, then drives the scheduler until the run
// reaches epoch or benchmark completion (a nil return) or a coroutine
// fails (a non-nil return), per spec.md §7's propagation policy: "any
// exception raised inside a scheduler coroutine is propagated out of the
// driver's tick and surfaces as a fatal error."
func (d *Driver) Run(ctx context.Context) error {
	if err := d.init(ctx); err != nil {
		return fmt.Errorf("driver: rendezvous error: %w", err)
	}
	d.state = Running

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sched.Run(gctx) })

	stepErr := make(chan error, 1)
	go func() { stepErr <- d.stepLoop(gctx) }()

	select {
	case err := <-stepErr:
		d.state = Stopping
		cancel()
		_ = g.Wait()
		if errors.Is(err, ErrExperimentComplete) {
			d.state = Completed
			return nil
		}
		return err
	case <-gctx.Done():
		d.state = Stopping
		err := g.Wait()
		if err != nil {
			return fmt.Errorf("driver: coroutine error: %w", err)
		}
		return nil
	}
}

// init rendezvouses every worker handler by posting initialize(ft_spec)
// collectively, then exercises both directions of parameter reallocation
// for every non-canonical model replica before training starts
// (SPEC_FULL.md §4.7 "Init").
func (d *Driver) init(ctx context.Context) error {
	d.log.Infof("initializing experiment")

	handlers := d.allHandlers()
	payloads := make([]stream.Payload, len(handlers))
	for i, h := range handlers {
		payloads[i] = stream.NewRequest(h, stream.HandleInitialize, d.ftSpec)
	}
	ids, err := stream.RequestAll(ctx, d.client, payloads)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if _, err := stream.AwaitAll(ctx, d.client, ids); err != nil {
		return fmt.Errorf("awaiting initialize replies: %w", err)
	}

	byRole := make(map[string][]dfg.ModelName)
	for name := range d.topos {
		byRole[name.Role] = append(byRole[name.Role], name)
	}
	for _, names := range byRole {
		sort.Slice(names, func(i, j int) bool { return names[i].ReplicaID < names[j].ReplicaID })
		if len(names) < 2 {
			continue
		}
		canonical := names[0]
		for _, other := range names[1:] {
			if err := d.syncParam(ctx, canonical, other); err != nil {
				return err
			}
			if err := d.syncParam(ctx, other, canonical); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Driver) syncParam(ctx context.Context, from, to dfg.ModelName) error {
	data := scheduler.ParamReallocData{
		FromModelName: from, ToModelName: to,
		FromTopo: d.topos[from], ToTopo: d.topos[to],
	}
	handlers := append(dfg.ShardsOf(from, d.topos[from]), dfg.ShardsOf(to, d.topos[to])...)
	payloads := make([]stream.Payload, len(handlers))
	for i, h := range handlers {
		p := stream.NewRequest(h, stream.HandleEmpty, nil)
		p.AddPreHook(stream.HookParamRealloc, data)
		payloads[i] = p
	}
	ids, err := stream.RequestAll(ctx, d.client, payloads)
	if err != nil {
		return fmt.Errorf("param_realloc %v->%v: %w", from, to, err)
	}
	if _, err := stream.AwaitAll(ctx, d.client, ids); err != nil {
		return fmt.Errorf("awaiting param_realloc %v->%v replies: %w", from, to, err)
	}
	return nil
}

func (d *Driver) allHandlers() []dfg.ModelShardID {
	var handlers []dfg.ModelShardID
	for name, topo := range d.topos {
		handlers = append(handlers, dfg.ShardsOf(name, topo)...)
	}
	return handlers
}

// stepLoop is the body of the Running state: it fetches data, waits for
// every terminal RPC to fire once, issues the at-most-one-outstanding
// clear_data_cache broadcast, applies save/eval frequency gates, and
// checks benchmark/epoch completion, per SPEC_FULL.md §4.7.
func (d *Driver) stepLoop(ctx context.Context) error {
	terminals := d.graph.Terminals()
	epoch := 1
	epochStep := 0
	globalStep := 0
	var pendingClearIDs []string

	for {
		epochChanged, err := d.loader.FetchNextBatch(ctx)
		if err != nil {
			return fmt.Errorf("data loader: %w", err)
		}
		if epochChanged {
			epoch++
			epochStep = 0
			d.log.Infof("epoch boundary reached, now at epoch %d", epoch)
		}

		stepStart := time.Now()
		for i := 0; i < len(terminals); i++ {
			select {
			case <-d.sched.TrainCount():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		d.Stats.StepDurations = append(d.Stats.StepDurations, time.Since(stepStart))

		globalStep++
		epochStep++

		if pendingClearIDs != nil {
			if _, err := stream.AwaitAll(ctx, d.client, pendingClearIDs); err != nil {
				return fmt.Errorf("awaiting previous clear_data_cache: %w", err)
			}
		}
		indices := d.sched.TrainingBufferIndices()
		ids, err := d.broadcastClearDataCache(ctx, indices)
		if err != nil {
			return fmt.Errorf("clear_data_cache: %w", err)
		}
		pendingClearIDs = ids
		d.sched.ClearTrainingBufferIndices()
		d.registry.Drop(indices)
		if err := d.buf.DropIndices(indices); err != nil {
			return fmt.Errorf("buffer invariant violation: %w", err)
		}
		snap := d.sched.DataAmount().Snapshot()
		telemetry.RecordStepStats(&snap)
		telemetry.SetStep(globalStep, epoch-1)
		d.sched.DataAmount().Clear()

		now := time.Now()
		if d.evalFreq.Check(epoch, globalStep, now) {
			if err := d.dispatchEvaluate(ctx); err != nil {
				return fmt.Errorf("evaluate: %w", err)
			}
		}
		if d.saveFreq.Check(epoch, globalStep, now) {
			if err := d.dispatchSave(ctx, epoch, epochStep, globalStep); err != nil {
				return fmt.Errorf("save: %w", err)
			}
		}

		if d.benchmarkSteps > 0 && globalStep >= d.benchmarkSteps {
			d.log.Infof("benchmark complete at step %d, average step time %s", globalStep, d.Stats.Average())
			return ErrExperimentComplete
		}

		if epoch > d.ftSpec.TotalTrainEpochs {
			d.log.Infof("training complete after %d epochs, %d steps", epoch-1, globalStep)
			return ErrExperimentComplete
		}
	}
}

func (d *Driver) broadcastClearDataCache(ctx context.Context, indices []int) ([]string, error) {
	handlers := d.allHandlers()
	payloads := make([]stream.Payload, len(handlers))
	for i, h := range handlers {
		payloads[i] = stream.NewRequest(h, stream.HandleClearDataCache, append([]int(nil), indices...))
	}
	return stream.RequestAll(ctx, d.client, payloads)
}

func (d *Driver) dispatchEvaluate(ctx context.Context) error {
	handlers := d.allHandlers()
	payloads := make([]stream.Payload, len(handlers))
	for i, h := range handlers {
		payloads[i] = stream.NewRequest(h, stream.HandleEvaluate, nil)
	}
	ids, err := stream.RequestAll(ctx, d.client, payloads)
	if err != nil {
		return err
	}
	_, err = stream.AwaitAll(ctx, d.client, ids)
	return err
}

// dispatchSave saves every model role's replica-0 shards, laid out at
// <root>/<role>/epoch{E}epochstep{S}globalstep{G} per SPEC_FULL.md §4.7.
func (d *Driver) dispatchSave(ctx context.Context, epoch, epochStep, globalStep int) error {
	seenRole := make(map[string]bool)
	var payloads []stream.Payload
	for name, topo := range d.topos {
		if name.ReplicaID != 0 || seenRole[name.Role] {
			continue
		}
		seenRole[name.Role] = true
		dir := fmt.Sprintf("%s/%s/epoch%depochstep%dglobalstep%d", d.modelSaveRoot, name.Role, epoch, epochStep, globalStep)
		for _, h := range dfg.ShardsOf(name, topo) {
			payloads = append(payloads, stream.NewRequest(h, stream.HandleSave, dir))
		}
	}
	ids, err := stream.RequestAll(ctx, d.client, payloads)
	if err != nil {
		return err
	}
	_, err = stream.AwaitAll(ctx, d.client, ids)
	return err
}
