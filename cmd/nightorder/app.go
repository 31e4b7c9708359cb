package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/nightorder/pkg/approval"
	"github.com/Mindburn-Labs/nightorder/pkg/config"
	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
	"github.com/Mindburn-Labs/nightorder/pkg/gatekeeper"
	"github.com/Mindburn-Labs/nightorder/pkg/observability"
	"github.com/Mindburn-Labs/nightorder/pkg/policy"
	"github.com/Mindburn-Labs/nightorder/pkg/probe"
	"github.com/Mindburn-Labs/nightorder/pkg/trace"
	"github.com/Mindburn-Labs/nightorder/pkg/workspace"
)

// sinkBuffer is the queue depth in front of each broker sink.
const sinkBuffer = 256

// app is the set of components one command invocation runs against.
type app struct {
	cfg       *config.Config
	ws        *workspace.Dir
	bus       *eventbus.Bus
	policy    *policy.Engine
	approvals *approval.Gate
	probes    *probe.Matrix
	gates     *gatekeeper.Keeper
	tracer    *trace.Tracer
	archive   *trace.SQLArchive
	telemetry *observability.Provider
	logger    *slog.Logger

	closers []func() error
}

// newApp wires every component from cfg. bypass forces the approval
// trust switch on in addition to the configured value.
func newApp(ctx context.Context, cfg *config.Config, bypass bool) (_ *app, err error) {
	a := &app{cfg: cfg, logger: slog.Default().With("component", "cli")}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	if a.ws, err = workspace.New(cfg.Workspace); err != nil {
		return nil, err
	}

	sink, err := a.openSinks()
	if err != nil {
		return nil, err
	}
	a.bus = eventbus.NewBus(eventbus.Config{MaxEvents: cfg.EventBus.MaxEvents, Sink: sink})
	a.closers = append(a.closers, a.bus.Close)

	if a.gates, err = buildKeeper(cfg, a.ws, a.bus); err != nil {
		return nil, err
	}

	if a.policy, err = buildPolicy(cfg); err != nil {
		return nil, err
	}

	a.approvals = approval.NewGate(approval.Config{
		Policy:        a.policy,
		Bus:           a.bus,
		Timeout:       cfg.Approval.Timeout,
		TokenTTL:      cfg.Approval.TokenTTL,
		SweepInterval: cfg.Approval.SweepInterval,
		Bypass:        cfg.Approval.Bypass || bypass,
	})

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.Observability.Enabled
	obsCfg.ServiceName = cfg.Observability.ServiceName
	obsCfg.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	obsCfg.Insecure = cfg.Observability.Insecure
	obsCfg.SampleRate = cfg.Observability.SampleRate
	if a.telemetry, err = observability.New(ctx, obsCfg); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	a.probes = probe.NewMatrix(probe.Config{
		Files:         a.ws,
		Timeout:       cfg.Probe.Timeout,
		RatePerSecond: cfg.Probe.RatePerSecond,
		Burst:         cfg.Probe.Burst,
		Tracker:       a.telemetry,
	})

	traceCfg := trace.Config{Bus: a.bus, ArchiveSize: cfg.Trace.ArchiveSize, OTel: a.telemetry.Tracer()}
	if cfg.Trace.Driver != "" {
		if a.archive, err = trace.OpenSQLArchive(ctx, cfg.Trace.Driver, cfg.Trace.DSN); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.archive.Close)
		traceCfg.Store = a.archive
	}
	a.tracer = trace.New(traceCfg)
	a.closers = append(a.closers, func() error { a.tracer.Close(); return nil })
	return a, nil
}

// buildKeeper registers the configured gates against the workspace.
func buildKeeper(cfg *config.Config, ws *workspace.Dir, bus *eventbus.Bus) (*gatekeeper.Keeper, error) {
	k := gatekeeper.New(gatekeeper.Config{Files: ws, Bus: bus})
	gates := make([]gatekeeper.Gate, 0, len(cfg.Gates))
	for _, g := range cfg.Gates {
		gates = append(gates, gatekeeper.Gate{Name: g.Name, Required: g.Required, Optional: g.Optional, Description: g.Description})
	}
	if err := k.LoadGates(gates); err != nil {
		return nil, fmt.Errorf("load gates: %w", err)
	}
	return k, nil
}

// buildPolicy creates the engine with the configured packs and the pack
// directory appended to the default catalog.
func buildPolicy(cfg *config.Config) (*policy.Engine, error) {
	packs := append([]string(nil), cfg.Policy.Packs...)
	if cfg.Policy.PackDir != "" {
		files, err := policy.PackFiles(cfg.Policy.PackDir)
		if err != nil {
			return nil, err
		}
		packs = append(packs, files...)
	}
	engine, err := policy.NewEngine(policy.Config{Platform: cfg.Policy.Platform, Packs: packs})
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}
	return engine, nil
}

// openSinks builds the persistence chain: the JSONL log is written inline,
// brokers sit behind an async queue so a slow broker never blocks publishers.
func (a *app) openSinks() (_ eventbus.Sink, err error) {
	cfg := a.cfg.EventBus
	var sinks []eventbus.Sink
	defer func() {
		if err != nil {
			_ = eventbus.NewMultiSink(sinks...).Close()
		}
	}()
	if cfg.LogPath != "" {
		fs, err := eventbus.NewFileSink(cfg.LogPath)
		if err != nil {
			return nil, fmt.Errorf("event log: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("event_bus.redis_url: %w", err)
		}
		sinks = append(sinks, eventbus.NewAsyncSink(eventbus.NewRedisSink(eventbus.RedisConfig{
			Addr:     opt.Addr,
			Password: opt.Password,
			DB:       opt.DB,
			Stream:   cfg.RedisStream,
			MaxLen:   int64(cfg.MaxEvents) * 10,
		}), sinkBuffer))
	}
	if cfg.NATSURL != "" {
		ns, err := eventbus.NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, eventbus.NewAsyncSink(ns, sinkBuffer))
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return eventbus.NewMultiSink(sinks...), nil
}

// policyContext is the environment every policy input is evaluated in.
func (a *app) policyContext() policy.Context {
	return policyContext(a.cfg, a.ws.Root)
}

func policyContext(cfg *config.Config, root string) policy.Context {
	platform := cfg.Policy.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	return policy.Context{
		Workspace:     cfg.Policy.WorkspaceName,
		WorkspaceRoot: root,
		Platform:      platform,
	}
}

// Close releases components in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
