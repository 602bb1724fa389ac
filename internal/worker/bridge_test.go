package worker

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bingosuite/debugbridge/internal/engine"
	"github.com/bingosuite/debugbridge/internal/protocol"
)

// framelessEngine stops without ever resolving a line entry.
type framelessEngine struct {
	engine.Engine
	process chan engine.Event
	thread  chan engine.Event
}

func (e *framelessEngine) ProcessEvents() <-chan engine.Event { return e.process }
func (e *framelessEngine) ThreadEvents() <-chan engine.Event  { return e.thread }
func (e *framelessEngine) State() engine.State                { return engine.StateStopped }

func (e *framelessEngine) SelectedLineEntry() (engine.LineEntry, error) {
	return engine.LineEntry{}, engine.ErrNoFrame
}

var _ = Describe("Bridge", func() {
	It("should not invent a location the engine cannot resolve", func() {
		eng := &framelessEngine{process: make(chan engine.Event, 4), thread: make(chan engine.Event, 4)}
		notes := make(chan protocol.Notification, 8)
		ctx, cancel := context.WithCancel(context.Background())
		DeferCleanup(cancel)
		go NewBridge(eng, func(n protocol.Notification) { notes <- n }, testLogger()).Run(ctx)

		eng.process <- engine.Event{Kind: engine.EventStateChanged, State: engine.StateStopped}
		eng.thread <- engine.Event{Kind: engine.EventFrameChanged}
		eng.process <- engine.Event{Kind: engine.EventStateChanged, State: engine.StateExited}

		Eventually(notes, time.Second).Should(Receive(Equal(protocol.ProcessStateChanged{State: protocol.StateStopped})))
		Eventually(notes, time.Second).Should(Receive(Equal(protocol.ProcessStateChanged{State: protocol.StateExited})))
		Consistently(notes, 100*time.Millisecond).ShouldNot(Receive())
	})
})
