// Package persist mirrors engine events into the resource stores and
// restores engines from them at startup.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/polyflip/tradestate/internal/engine"
	"github.com/polyflip/tradestate/internal/fanout"
	"github.com/polyflip/tradestate/internal/logger"
	"github.com/polyflip/tradestate/internal/metrics"
	"github.com/polyflip/tradestate/internal/model"
	"github.com/polyflip/tradestate/internal/resource"
)

// Options tunes the write queue.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
}

type job struct {
	resource string
	asset    fanout.Asset
	write    func(context.Context) error
}

// Persister is a fanout.Listener. Events are queued and written by Run on a
// single goroutine so engine callers never wait on the database. A failed
// write is logged and dropped; the next event or checkpoint supersedes it.
type Persister struct {
	stores *resource.Stores
	fan    *fanout.Manager
	log    *zap.Logger
	opts   Options
	queue  chan job

	// writeMu serializes store writes between Run and Checkpoint so two
	// position replacements for one scope never interleave.
	writeMu sync.Mutex

	mu          sync.Mutex
	positionsFP map[fanout.Asset]string
	priceToBeat map[string]string
	unhydrated  map[fanout.Asset]bool
}

var errNotHydrated = errors.New("positions not hydrated, write skipped")

// New returns a persister; call Attach and Run to start mirroring.
func New(stores *resource.Stores, fan *fanout.Manager, log *zap.Logger, opts Options) *Persister {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Persister{
		stores:      stores,
		fan:         fan,
		log:         logger.Component(log, "persist"),
		opts:        opts,
		queue:       make(chan job, opts.QueueSize),
		positionsFP: make(map[fanout.Asset]string),
		priceToBeat: make(map[string]string),
		unhydrated:  make(map[fanout.Asset]bool),
	}
}

// Attach subscribes to the fan-out.
func (p *Persister) Attach() (cancel func()) {
	return p.fan.Subscribe(p)
}

// Run writes queued events until ctx is done, then drains what is left.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case j := <-p.queue:
			p.exec(context.Background(), j)
		case <-ctx.Done():
			for {
				select {
				case j := <-p.queue:
					p.exec(context.Background(), j)
				default:
					return
				}
			}
		}
	}
}

func (p *Persister) OnTrade(asset fanout.Asset, t model.Trade) {
	p.enqueue(job{resource.TradesName, asset, func(ctx context.Context) error {
		return p.stores.Trades.Put(ctx, string(asset), t)
	}})
}

// OnStatus writes the position set when it differs from the last one
// written for asset.
func (p *Persister) OnStatus(asset fanout.Asset, st engine.Status) {
	positions := st.Positions
	p.enqueue(job{resource.PositionsName, asset, func(ctx context.Context) error {
		return p.writePositions(ctx, asset, positions, false)
	}})
}

func (p *Persister) OnConfig(asset fanout.Asset, cfg engine.StrategyConfig) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		p.log.Error("encode strategy config", zap.String("asset", string(asset)), zap.Error(err))
		return
	}
	p.enqueue(job{resource.StrategyConfigName, asset, func(ctx context.Context) error {
		return p.stores.StrategyConfigs.Put(ctx, string(asset), raw)
	}})
}

// OnMarketData records the event's thresholds when priceToBeat changes.
func (p *Persister) OnMarketData(asset fanout.Asset, md engine.MarketData) {
	if md.Event == nil || md.Event.Slug == "" || md.PriceToBeat == nil {
		return
	}
	slug, ptb := md.Event.Slug, md.PriceToBeat.String()
	p.mu.Lock()
	seen := p.priceToBeat[slug] == ptb
	p.mu.Unlock()
	if seen {
		return
	}
	upd := resource.EventUpdate{PriceToBeat: md.PriceToBeat, LastPrice: md.CurrentPrice}
	p.enqueue(job{resource.EventStateName, asset, func(ctx context.Context) error {
		if err := p.stores.EventStates.Put(ctx, slug, upd); err != nil {
			return err
		}
		p.mu.Lock()
		p.priceToBeat[slug] = ptb
		p.mu.Unlock()
		return nil
	}})
}

// Hydrate restores every engine from the stores, one goroutine per asset.
// An asset that fails to load is left out of position writes until a later
// Hydrate succeeds for it, so its empty engine never replaces stored rows.
func (p *Persister) Hydrate(ctx context.Context) error {
	var (
		errMu sync.Mutex
		errs  []error
	)
	events, err := p.stores.EventStates.Get(ctx)
	if err != nil {
		// Only the priceToBeat dedupe cache depends on this.
		p.log.Warn("hydrate event state failed", zap.Error(err))
		errs = append(errs, err)
	}
	p.mu.Lock()
	for slug, v := range events.PriceToBeat {
		p.priceToBeat[slug] = v.String()
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, a := range p.fan.Assets() {
		g.Go(func() error {
			err := p.hydrateAsset(ctx, a)
			p.mu.Lock()
			if err != nil {
				p.unhydrated[a] = true
			} else {
				delete(p.unhydrated, a)
			}
			p.mu.Unlock()
			if err != nil {
				p.fail(resource.PositionsName, a, fmt.Errorf("hydrate: %w", err))
				errMu.Lock()
				errs = append(errs, fmt.Errorf("hydrate %s: %w", a, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Persister) hydrateAsset(ctx context.Context, asset fanout.Asset) error {
	scope := string(asset)
	var snap engine.Snapshot

	raw, err := p.stores.StrategyConfigs.Get(ctx, scope)
	if err != nil {
		return err
	}
	if raw != nil {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&snap.Config); err != nil {
			p.log.Warn("stored strategy config is not an object, using defaults",
				zap.String("asset", scope), zap.Error(err))
			snap.Config = nil
		}
	}
	if snap.Trades, err = p.stores.Trades.List(ctx, scope); err != nil {
		return err
	}
	if snap.Positions, err = p.stores.Positions.List(ctx, scope); err != nil {
		return err
	}
	if err := p.fan.Restore(asset, snap); err != nil {
		if snap.Config == nil {
			return err
		}
		p.log.Warn("stored strategy config does not fit the engine, using defaults",
			zap.String("asset", scope), zap.Error(err))
		snap.Config = nil
		if err := p.fan.Restore(asset, snap); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.positionsFP[asset] = fingerprint(snap.Positions)
	p.mu.Unlock()
	p.log.Info("engine restored",
		zap.String("asset", scope),
		zap.Int("trades", len(snap.Trades)),
		zap.Int("positions", len(snap.Positions)))
	return nil
}

// Checkpoint writes every engine's positions and, for engines watching an
// event, its latest price.
func (p *Persister) Checkpoint(ctx context.Context) error {
	var errs []error
	for _, a := range p.fan.Assets() {
		positions := p.fan.Positions(a)
		err := p.locked(func() error { return p.writePositions(ctx, a, positions, true) })
		if err != nil && !errors.Is(err, errNotHydrated) {
			p.fail(resource.PositionsName, a, err)
			errs = append(errs, err)
		}
		md := p.fan.Market(a)
		if md.Event == nil || md.Event.Slug == "" || md.CurrentPrice == nil {
			continue
		}
		err = p.locked(func() error {
			return p.stores.EventStates.Put(ctx, md.Event.Slug, resource.EventUpdate{LastPrice: md.CurrentPrice})
		})
		if err != nil {
			p.fail(resource.EventStateName, a, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writePositions must be called with writeMu held.
func (p *Persister) writePositions(ctx context.Context, asset fanout.Asset, positions []model.Position, force bool) error {
	fp := fingerprint(positions)
	p.mu.Lock()
	unchanged := p.positionsFP[asset] == fp
	skip := p.unhydrated[asset]
	p.mu.Unlock()
	if skip {
		return errNotHydrated
	}
	if unchanged && !force {
		return nil
	}
	if err := p.stores.Positions.Put(ctx, string(asset), positions); err != nil {
		return err
	}
	p.mu.Lock()
	p.positionsFP[asset] = fp
	p.mu.Unlock()
	return nil
}

func (p *Persister) enqueue(j job) {
	select {
	case p.queue <- j:
	default:
		p.fail(j.resource, j.asset, errors.New("persist queue full, event dropped"))
	}
}

func (p *Persister) exec(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, p.opts.WriteTimeout)
	defer cancel()
	err := p.locked(func() error { return j.write(ctx) })
	switch {
	case errors.Is(err, errNotHydrated):
		p.log.Debug("positions write skipped", zap.String("asset", string(j.asset)))
	case err != nil:
		p.fail(j.resource, j.asset, err)
	}
}

func (p *Persister) locked(f func() error) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return f()
}

func (p *Persister) fail(res string, asset fanout.Asset, err error) {
	metrics.PersistFailures.WithLabelValues(res, string(asset)).Inc()
	p.log.Error("persist failed",
		zap.String("resource", res),
		zap.String("asset", string(asset)),
		zap.Error(err))
}

// fingerprint identifies a position set for change detection.
func fingerprint(positions []model.Position) string {
	if len(positions) == 0 {
		return "[]"
	}
	b, err := json.Marshal(positions)
	if err != nil {
		return ""
	}
	return string(b)
}
