package worker

import (
	"context"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/engine"
	"github.com/bingosuite/debugbridge/internal/protocol"
)

var canonicalStates = map[engine.State]protocol.ProcessState{
	engine.StateInvalid:   protocol.StateInvalid,
	engine.StateConnected: protocol.StateConnected,
	engine.StateAttaching: protocol.StateAttaching,
	engine.StateLaunching: protocol.StateLaunching,
	engine.StateRunning:   protocol.StateRunning,
	engine.StateStepping:  protocol.StateStepping,
	engine.StateStopped:   protocol.StateStopped,
	engine.StateCrashed:   protocol.StateCrashed,
	engine.StateDetached:  protocol.StateDetached,
	engine.StateExited:    protocol.StateExited,
	engine.StateSuspended: protocol.StateSuspended,
	engine.StateUnloaded:  protocol.StateUnloaded,
}

// CanonicalState names an engine state on the wire.
func CanonicalState(s engine.State) protocol.ProcessState {
	if name, ok := canonicalStates[s]; ok {
		return name
	}
	return protocol.StateInvalid
}

func wireLineEntry(e engine.LineEntry) protocol.LineEntry {
	return protocol.LineEntry{
		Directory: e.Directory,
		Filename:  e.Filename,
		Line:      e.Line,
		Column:    e.Column,
	}
}

func normalizeOutput(out string) string {
	return strings.ReplaceAll(out, "\r", "")
}

// Bridge translates engine events into notifications. It runs one loop per
// event source; each loop emits in the order its source delivers.
type Bridge struct {
	engine engine.Engine
	emit   func(protocol.Notification)
	log    *log.Entry
}

func NewBridge(eng engine.Engine, emit func(protocol.Notification), logger *log.Entry) *Bridge {
	return &Bridge{
		engine: eng,
		emit:   emit,
		log:    logger.WithField("component", "bridge"),
	}
}

// Run blocks until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.listen(ctx, b.engine.ProcessEvents(), b.onProcessEvent)
	}()
	go func() {
		defer wg.Done()
		b.listen(ctx, b.engine.ThreadEvents(), b.onThreadEvent)
	}()
	wg.Wait()
}

func (b *Bridge) listen(ctx context.Context, events <-chan engine.Event, handle func(engine.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			handle(ev)
		}
	}
}

func (b *Bridge) onProcessEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventStateChanged:
		state := CanonicalState(ev.State)
		b.log.WithField("state", state).Debug("Process state changed")
		b.emit(protocol.ProcessStateChanged{State: state})
		if state.HasFrame() {
			b.emitLocation()
		}
	case engine.EventStdout:
		if out := normalizeOutput(b.engine.ReadStdout()); out != "" {
			b.emit(protocol.ProcessStdout{Output: out})
		}
	case engine.EventStderr:
		if out := normalizeOutput(b.engine.ReadStderr()); out != "" {
			b.emit(protocol.ProcessStderr{Output: out})
		}
	}
}

func (b *Bridge) onThreadEvent(ev engine.Event) {
	if ev.Kind != engine.EventFrameChanged {
		return
	}
	if !CanonicalState(b.engine.State()).HasFrame() {
		return
	}
	b.emitLocation()
}

// emitLocation reports the selected frame. Nothing is emitted when the
// engine cannot resolve it.
func (b *Bridge) emitLocation() {
	entry, err := b.engine.SelectedLineEntry()
	if err != nil {
		b.log.WithError(err).Warn("No line entry for the selected frame")
		return
	}
	b.emit(protocol.LocationChanged{LineEntry: wireLineEntry(entry)})
}
