// Package collector runs collection cycles and publishes their outcome.
package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tokenexporter.org/internal/ids"
	"tokenexporter.org/internal/obs"
	"tokenexporter.org/internal/pathcache"
	"tokenexporter.org/internal/token"
)

// Source scans one domain (projects, groups or users) for tokens.
type Source interface {
	Name() string
	Scan(ctx context.Context, cache *pathcache.Cache) ([]token.Token, error)
}

// Renderer turns the tokens of a successful cycle into the published document.
type Renderer interface {
	Build(tokens []token.Token) string
}

// Collector owns the published state. Only one cycle runs at a time; readers
// never wait for it.
type Collector struct {
	sources []Source
	render  Renderer
	log     *zap.SugaredLogger

	state     atomic.Pointer[State]
	running   atomic.Bool
	committed atomic.Bool
	wg        sync.WaitGroup
}

// New builds a collector. Sources are scanned concurrently; when several fail,
// the error of the earliest one in this order is published.
func New(render Renderer, log *zap.SugaredLogger, sources ...Source) *Collector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Collector{sources: sources, render: render, log: log.Named("collector")}
	c.state.Store(loading(""))
	return c
}

// State returns the last committed state, or Loading while a cycle is in
// flight or before the first one completes.
func (c *Collector) State() State { return *c.state.Load() }

// Ready reports whether at least one cycle has been committed.
func (c *Collector) Ready() error {
	if c.committed.Load() {
		return nil
	}
	return ErrNotReady
}

// RunCycle runs one cycle synchronously and returns the committed state.
// It fails with ErrCycleInProgress when another cycle is running, and with the
// context error when ctx ends first; nothing is committed in that case.
func (c *Collector) RunCycle(ctx context.Context) (State, error) {
	if !c.running.CompareAndSwap(false, true) {
		return State{}, ErrCycleInProgress
	}
	defer c.running.Store(false)
	return c.run(ctx)
}

// Trigger starts a cycle in the background if none is running and reports
// whether it did. It never starts one once ctx is done.
func (c *Collector) Trigger(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !c.running.CompareAndSwap(false, true) {
		obs.TriggerDropped()
		c.log.Debug("trigger dropped, cycle in progress")
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		if _, err := c.run(ctx); err != nil {
			c.log.Infow("cycle aborted", "error", err)
		}
	}()
	return true
}

// Wait blocks until background cycles started by Trigger have returned.
func (c *Collector) Wait() { c.wg.Wait() }

type domainResult struct {
	tokens []token.Token
	err    error
}

func (c *Collector) run(ctx context.Context) (State, error) {
	cycleID := ids.NewCycleID()
	ctx = obs.WithCycleID(ctx, cycleID)
	log := obs.LoggerFrom(ctx, c.log)
	start := time.Now()

	previous := c.state.Swap(loading(cycleID))
	log.Infow("collection cycle started", "domains", len(c.sources))

	cache := pathcache.New()
	results := make([]domainResult, len(c.sources))
	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dstart := time.Now()
			toks, err := src.Scan(ctx, cache)
			results[i] = domainResult{tokens: toks, err: err}
			log.Debugw("domain scanned", "domain", src.Name(), "tokens", len(toks),
				"duration", time.Since(dstart), "error", err)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		c.state.Store(previous)
		obs.ObserveCycle("aborted", time.Since(start))
		return State{}, fmt.Errorf("cycle %s: %w", cycleID, err)
	}

	next := c.outcome(cycleID, results, log)
	c.state.Store(next)
	c.committed.Store(true)
	obs.ObserveCycle(next.Status.String(), time.Since(start))
	log.Infow("collection cycle committed", "status", next.Status.String(),
		"duration", time.Since(start), "paths_resolved", cache.Len())
	return *next, nil
}

func (c *Collector) outcome(cycleID string, results []domainResult, log *zap.SugaredLogger) *State {
	for i, r := range results {
		if r.err != nil {
			err := fmt.Errorf("%s: %w", c.sources[i].Name(), r.err)
			log.Errorw("collection cycle failed", "domain", c.sources[i].Name(), "error", r.err)
			return failed(cycleID, err)
		}
	}

	var all []token.Token
	perKind := map[token.Kind]int{}
	for _, r := range results {
		all = append(all, r.tokens...)
		for _, t := range r.tokens {
			perKind[t.Kind]++
		}
	}
	for _, k := range []token.Kind{token.ProjectAccessToken, token.GroupAccessToken, token.PersonalAccessToken} {
		obs.SetTokensCollected(k.String(), perKind[k])
	}

	if len(all) == 0 {
		return noToken(cycleID)
	}
	doc := c.render.Build(all)
	if doc == "" {
		// Every token was filtered out by the renderer.
		return noToken(cycleID)
	}
	return loaded(cycleID, doc)
}
