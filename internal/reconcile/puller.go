package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/procurehq/erpsync/internal/config"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	procrepo "github.com/procurehq/erpsync/internal/repository/procurement"
	"github.com/procurehq/erpsync/internal/repository/syncrun"
)

// Puller periodically reconciles every (tenant, scope) pair. Failures back
// off exponentially per pair and retries chain through parent_sync_run_id so
// the ledger shows the whole sequence.
type Puller struct {
	engine   *Engine
	entities *procrepo.Repository
	runs     *syncrun.Repository
	logger   *zap.Logger
	cfg      config.Puller
	system   string
	scopes   []statemachine.Kind

	mu      sync.Mutex
	backoff map[string]pairState

	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// pairState tracks per-(tenant,scope) retry scheduling.
type pairState struct {
	delay       time.Duration
	notBefore   time.Time
	parentRunID int64
}

// PullerParams defines dependencies for constructing Puller.
type PullerParams struct {
	fx.In

	Engine   *Engine
	Entities *procrepo.Repository
	Runs     *syncrun.Repository
	Config   config.Config
	Logger   *zap.Logger
}

// NewPuller builds the inbound scheduler from configuration.
func NewPuller(p PullerParams) *Puller {
	scopes := make([]statemachine.Kind, 0, len(p.Config.Puller.Scopes))
	for _, raw := range p.Config.Puller.Scopes {
		if kind, ok := statemachine.ParseKind(raw); ok {
			scopes = append(scopes, kind)
		} else {
			p.Logger.Warn("ignoring unknown puller scope", zap.String("scope", raw))
		}
	}
	return &Puller{
		engine:   p.Engine,
		entities: p.Entities,
		runs:     p.Runs,
		logger:   p.Logger,
		cfg:      p.Config.Puller,
		system:   p.Config.ERP.System,
		scopes:   scopes,
		backoff:  make(map[string]pairState),
	}
}

// EngineModule provides the reconciliation engine on its own, for apps that
// trigger pulls synchronously without the background scheduler.
var EngineModule = fx.Provide(NewEngine)

// PullerModule wires the background scheduler into the Fx lifecycle.
var PullerModule = fx.Options(
	fx.Provide(NewPuller),
	fx.Invoke(func(lc fx.Lifecycle, p *Puller) {
		lc.Append(fx.Hook{
			OnStart: p.start,
			OnStop:  p.stop,
		})
	}),
)

func (p *Puller) start(ctx context.Context) error {
	if !p.cfg.Enabled {
		p.logger.Info("puller disabled")
		return nil
	}
	if len(p.scopes) == 0 {
		p.logger.Info("puller has no scopes; skipping")
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg = &sync.WaitGroup{}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(runCtx)
	}()

	p.logger.Info("puller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("scopes", len(p.scopes)),
	)
	return nil
}

func (p *Puller) stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		p.logger.Info("puller stopped")
		return nil
	}
}

func (p *Puller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass over every tenant and scope. Exported so the
// CLI's --once mode and tests can drive the scheduler synchronously.
func (p *Puller) Tick(ctx context.Context) {
	tenants, err := p.entities.ListTenants(ctx)
	if err != nil {
		p.logger.Error("list tenants", zap.Error(err))
		return
	}

	now := time.Now()
	for _, tenant := range tenants {
		for _, scope := range p.scopes {
			if ctx.Err() != nil {
				return
			}
			p.runPair(ctx, tenant.ID, scope, now)
		}
	}
}

func (p *Puller) runPair(ctx context.Context, tenantID string, scope statemachine.Kind, now time.Time) {
	key := tenantID + "/" + string(scope)

	p.mu.Lock()
	state := p.backoff[key]
	p.mu.Unlock()
	if now.Before(state.notBefore) {
		return
	}
	if state.parentRunID == 0 {
		// Fresh process; pick the chain back up from the ledger.
		if prev, err := p.runs.LastFailedPull(ctx, tenantID, p.system, scope); err == nil && prev != nil {
			state.parentRunID = prev.ID
		}
	}

	run, err := p.engine.SyncEntity(ctx, tenantID, scope, p.cfg.Limit, state.parentRunID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		delay := state.delay
		if delay <= 0 {
			delay = p.cfg.MinBackoff
		} else {
			delay *= 2
		}
		if delay > p.cfg.MaxBackoff {
			delay = p.cfg.MaxBackoff
		}
		next := pairState{delay: delay, notBefore: now.Add(delay)}
		if run != nil {
			next.parentRunID = run.ID
		}
		p.backoff[key] = next
		p.logger.Warn("pull cycle failed",
			zap.String("tenant_id", tenantID),
			zap.String("scope", string(scope)),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		return
	}

	delete(p.backoff, key)
	p.logger.Debug("pull cycle finished",
		zap.String("tenant_id", tenantID),
		zap.String("scope", string(scope)),
		zap.Int64("run_id", run.ID),
		zap.Int("records_in", run.RecordsIn),
	)
}
