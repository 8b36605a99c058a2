package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mnrestd/internal/emulator"
	"mnrestd/internal/events"
	"mnrestd/internal/health"
	"mnrestd/internal/runtime/supervisor"
)

const emulatorProbeInterval = 15 * time.Second

// newTopologyAuditor registers a supervisor component that logs every
// topology mutation announced on the bus.
func newTopologyAuditor(bus *events.Bus, logger zerolog.Logger) supervisor.Component {
	a := &topologyAuditor{bus: bus, logger: logger.With().Str("component", "topology-audit").Logger()}
	return supervisor.NewComponent("topology-audit", a.start, a.stop)
}

type topologyAuditor struct {
	bus    *events.Bus
	logger zerolog.Logger
	sub    <-chan events.Event
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *topologyAuditor) start(ctx context.Context) error {
	if a.bus == nil {
		return nil
	}
	a.sub = a.bus.Subscribe(events.TopicTopologyChanged, 64)
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func(ch <-chan events.Event, done chan struct{}) {
		defer close(done)
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				change, ok := evt.Payload.(events.TopologyChanged)
				if !ok {
					a.logger.Warn().Interface("payload", evt.Payload).Msg("unexpected payload")
					continue
				}
				a.logger.Info().
					Str("op", string(change.Op)).
					Str("id", change.ID).
					Str("name", change.Name).
					Str("detail", change.Detail).
					Msg("topology changed")
			case <-runCtx.Done():
				return
			}
		}
	}(a.sub, a.done)
	return nil
}

func (a *topologyAuditor) stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	<-a.done
	a.bus.Unsubscribe(events.TopicTopologyChanged, a.sub)
	a.cancel, a.sub, a.done = nil, nil, nil
	return nil
}

// newEmulatorProbe registers a component that mirrors emulator reachability
// into the health tracker. Emulators that cannot be pinged are reported OK.
func newEmulatorProbe(emu emulator.Emulator, tracker *health.Tracker, logger zerolog.Logger) supervisor.Component {
	p := &emulatorProbe{emu: emu, tracker: tracker, logger: logger.With().Str("component", "emulator-probe").Logger()}
	return supervisor.NewComponent("emulator-probe", p.start, p.stop)
}

type emulatorProbe struct {
	emu     emulator.Emulator
	tracker *health.Tracker
	logger  zerolog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

func (p *emulatorProbe) start(ctx context.Context) error {
	pinger, ok := p.emu.(emulator.Pinger)
	if !ok {
		p.tracker.Setf(healthEmulator, health.LevelOK, "no probe available")
		return nil
	}
	p.check(ctx, pinger)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(emulatorProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.check(runCtx, pinger)
			case <-runCtx.Done():
				return
			}
		}
	}(p.done)
	return nil
}

func (p *emulatorProbe) check(ctx context.Context, pinger emulator.Pinger) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pinger.Ping(pingCtx); err != nil {
		p.logger.Warn().Err(err).Msg("emulator unreachable")
		p.tracker.Setf(healthEmulator, health.LevelError, "ping failed: %v", err)
		return
	}
	p.tracker.Setf(healthEmulator, health.LevelOK, "reachable")
}

func (p *emulatorProbe) stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	p.cancel, p.done = nil, nil
	return nil
}
