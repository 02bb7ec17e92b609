// Package pipeline runs one fetch → process → render → deliver pass.
//
// Every source and processor call is isolated: a failure (error, panic or
// missing registration) is recorded on the RunResult and the pass continues.
// Sources may run concurrently; their output is always merged in
// declaration order. Processors run serially in declaration order.
package pipeline

import (
	"context"
	"runtime/debug"
	"time"

	"oxdaily/internal/config"
	"oxdaily/internal/delivery"
	"oxdaily/internal/plugin"
	logx "oxdaily/pkg/logx"

	"golang.org/x/sync/errgroup"
)

const DefaultFetchConcurrency = 4

// Deliverer sends a rendered digest.
type Deliverer interface {
	Deliver(ctx context.Context, title, markdown string) delivery.Result
}

// Tick is the snapshot a single run works from.
type Tick struct {
	RunID            string
	Sources          []config.SourceConfig    // enabled only, declaration order
	Processors       []config.ProcessorConfig // enabled only, declaration order
	FetchConcurrency int
	Digest           DigestOptions
}

type Pipeline struct {
	reg *plugin.Registry
	out Deliverer
	log logx.Logger
	now func() time.Time
}

func New(reg *plugin.Registry, out Deliverer, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		reg: reg,
		out: out,
		log: log.With(logx.String("comp", "pipeline")),
		now: time.Now,
	}
}

// Run executes one tick. It never panics and never returns an error: all
// failures are reported on the result.
func (p *Pipeline) Run(ctx context.Context, t Tick) RunResult {
	res := RunResult{RunID: t.RunID, Start: p.now()}
	log := p.log.With(logx.String("run_id", t.RunID))

	items, srcRuns, errs := p.fetch(ctx, log, t.Sources, t.FetchConcurrency)
	res.Sources = srcRuns
	res.Fetched = len(items)
	res.Errors = append(res.Errors, errs...)

	items, procRuns, hooks, errs := p.process(ctx, log, items, t.Processors)
	res.Processors = procRuns
	res.Items = len(items)
	res.Errors = append(res.Errors, errs...)

	if len(items) == 0 {
		res.Skipped = true
		res.End = p.now()
		log.Info("no items to deliver; skipping", logx.Int("fetched", res.Fetched))
		return res
	}

	md := Render(items, t.Digest, p.now())
	dr := p.out.Deliver(ctx, t.Digest.title(), md)
	res.Delivery = &dr
	if dr.OK() {
		res.Errors = append(res.Errors, p.commit(ctx, log, hooks, items)...)
	}
	res.End = p.now()
	return res
}

// commit runs the after-delivery callbacks staged by processors whose output
// was kept. Failures are reported but do not change the outcome.
func (p *Pipeline) commit(ctx context.Context, log logx.Logger, hooks []stagedHook, delivered []plugin.Item) []error {
	var errs []error
	for _, h := range hooks {
		err := safeAfterDelivery(ctx, h, delivered)
		if err != nil {
			errs = append(errs, &StageError{Stage: StageCommit, Name: h.name, Err: err})
			log.Warn("after-delivery step failed", logx.String("processor", h.name), logx.Err(err))
		}
	}
	return errs
}

type stagedHook struct {
	name string
	fn   plugin.AfterDelivery
}

func safeAfterDelivery(ctx context.Context, h stagedHook, delivered []plugin.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &plugin.PanicError{Call: "after_delivery." + h.name, Value: r, Stack: debug.Stack()}
		}
	}()
	return h.fn(ctx, delivered)
}

type fetchSlot struct {
	items []plugin.Item
	run   SourceRun
	err   error
}

func (p *Pipeline) fetch(ctx context.Context, log logx.Logger, sources []config.SourceConfig, limit int) ([]plugin.Item, []SourceRun, []error) {
	if limit <= 0 {
		limit = DefaultFetchConcurrency
	}
	slots := make([]fetchSlot, len(sources))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, sc := range sources {
		i, sc := i, sc
		g.Go(func() error {
			start := time.Now()
			items, err := p.fetchOne(ctx, sc)
			slots[i] = fetchSlot{
				items: items,
				run:   SourceRun{Name: sc.Name, Items: len(items), Took: time.Since(start)},
				err:   err,
			}
			return nil
		})
	}
	_ = g.Wait()

	var (
		merged []plugin.Item
		runs   = make([]SourceRun, 0, len(slots))
		errs   []error
	)
	for _, s := range slots {
		if s.err != nil {
			s.run.Err = s.err.Error()
			errs = append(errs, s.err)
			log.Warn("source failed; contributing zero items",
				logx.String("source", s.run.Name),
				logx.Err(s.err),
			)
		} else {
			log.Info("source fetched",
				logx.String("source", s.run.Name),
				logx.Int("items", s.run.Items),
				logx.Duration("took", s.run.Took),
			)
			merged = append(merged, s.items...)
		}
		runs = append(runs, s.run)
	}
	return merged, runs, errs
}

func (p *Pipeline) fetchOne(ctx context.Context, sc config.SourceConfig) ([]plugin.Item, error) {
	src, err := p.reg.ResolveSource(sc.Name)
	if err != nil {
		return nil, &StageError{Stage: StageFetch, Name: sc.Name, Err: err}
	}
	items, err := plugin.SafeFetch(ctx, sc.Name, src, plugin.Params(sc.Params))
	if err != nil {
		return nil, &StageError{Stage: StageFetch, Name: sc.Name, Err: err}
	}
	return items, nil
}

type boundProcessor struct {
	name   string
	proc   plugin.Processor
	params plugin.Params
}

// process also returns the after-delivery callbacks staged by processors
// that succeeded; a failed processor's staged callbacks are discarded.
func (p *Pipeline) process(ctx context.Context, log logx.Logger, items []plugin.Item, procs []config.ProcessorConfig) ([]plugin.Item, []ProcessorRun, []stagedHook, []error) {
	var (
		runs  []ProcessorRun
		errs  []error
		hooks []stagedHook
		bound = make([]boundProcessor, 0, len(procs))
	)
	for _, pc := range procs {
		proc, err := p.reg.ResolveProcessor(pc.Name)
		if err != nil {
			serr := &StageError{Stage: StageProcess, Name: pc.Name, Err: err}
			errs = append(errs, serr)
			runs = append(runs, ProcessorRun{Name: pc.Name, Items: len(items), Err: err.Error()})
			log.Warn("processor not registered; skipping", logx.String("processor", pc.Name))
			continue
		}
		bound = append(bound, boundProcessor{name: pc.Name, proc: proc, params: plugin.Params(pc.Params)})
	}
	if len(bound) == 0 {
		def, err := p.reg.ResolveProcessor(plugin.DefaultProcessor)
		if err != nil {
			def = plugin.Identity{}
		}
		bound = append(bound, boundProcessor{name: plugin.DefaultProcessor, proc: def})
	}

	for _, bp := range bound {
		start := time.Now()
		pctx, staged := plugin.WithHooks(ctx)
		// Processors get their own copy so a failure can pass the original through.
		out, err := plugin.SafeProcess(pctx, bp.name, bp.proc, cloneItems(items), bp.params)
		run := ProcessorRun{Name: bp.name, Took: time.Since(start)}
		if err != nil {
			serr := &StageError{Stage: StageProcess, Name: bp.name, Err: err}
			errs = append(errs, serr)
			run.Err = err.Error()
			run.Items = len(items)
			log.Warn("processor failed; passing input through",
				logx.String("processor", bp.name),
				logx.Err(err),
			)
		} else {
			items = out
			run.Items = len(items)
			for _, fn := range staged.Staged() {
				hooks = append(hooks, stagedHook{name: bp.name, fn: fn})
			}
			log.Info("processor applied",
				logx.String("processor", bp.name),
				logx.Int("remaining", run.Items),
			)
		}
		runs = append(runs, run)
	}
	return items, runs, hooks, errs
}

func cloneItems(in []plugin.Item) []plugin.Item {
	out := make([]plugin.Item, len(in))
	for i, it := range in {
		out[i] = it.Clone()
	}
	return out
}
