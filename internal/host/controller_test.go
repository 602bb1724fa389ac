package host_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bingosuite/debugbridge/internal/engine/enginetest"
	"github.com/bingosuite/debugbridge/internal/host"
	"github.com/bingosuite/debugbridge/internal/protocol"
)

var _ = Describe("BreakpointStore", func() {
	It("should toggle breakpoints and keep insertion order", func() {
		var store host.BreakpointStore
		Expect(store.Toggle(host.Breakpoint{File: "b.c", Line: 2})).To(BeTrue())
		Expect(store.Toggle(host.Breakpoint{File: "a.c", Line: 1})).To(BeTrue())
		Expect(store.Toggle(host.Breakpoint{File: "c.c", Line: 3})).To(BeTrue())
		Expect(store.Toggle(host.Breakpoint{File: "a.c", Line: 1})).To(BeFalse())

		Expect(store.List()).To(Equal([]host.Breakpoint{{File: "b.c", Line: 2}, {File: "c.c", Line: 3}}))
		Expect(store.List()[0].String()).To(Equal("b.c:2"))
	})
})

var _ = Describe("Controller", func() {
	var (
		c        *host.Controller
		sessions []*host.Session
		ctx      context.Context
	)

	BeforeEach(func() {
		sessions = nil
		c = host.NewController(pipeStarter(), func(s *host.Session) {
			sessions = append(sessions, s)
		}, testLogger())
		DeferCleanup(c.Close)

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		DeferCleanup(cancel)
	})

	It("should launch the target in a fresh session", func() {
		s, err := c.Run(ctx, enginetest.EchoPath, protocol.TargetLaunch{})
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Session()).To(Equal(s))
		Expect(sessions).To(ConsistOf(s))

		notes := until(s, isState(protocol.StateExited))
		Expect(ofType[protocol.ProcessStdout](notes)).To(HaveLen(1))
	})

	It("should replay stored breakpoints on every run", func() {
		_, err := c.ToggleBreakpoint("main.c", 9)
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 2; i++ {
			s, err := c.Run(ctx, enginetest.LoopPath, protocol.TargetLaunch{})
			Expect(err).NotTo(HaveOccurred())

			notes := until(s, isType(protocol.TypeLocation))
			Expect(notes[len(notes)-1].(protocol.LocationChanged).LineEntry.Line).To(Equal(9))
		}
	})

	It("should kill the previous session when running again", func() {
		first, err := c.Run(ctx, enginetest.LoopPath, protocol.TargetLaunch{})
		Expect(err).NotTo(HaveOccurred())
		second, err := c.Run(ctx, enginetest.EchoPath, protocol.TargetLaunch{})
		Expect(err).NotTo(HaveOccurred())

		Expect(first.Alive()).To(BeFalse())
		Expect(first.ID()).NotTo(Equal(second.ID()))
		Expect(c.Session()).To(Equal(second))
		until(second, isState(protocol.StateExited))
	})

	It("should forward breakpoint toggles to a live session", func() {
		_, err := c.ToggleBreakpoint("main.c", 9)
		Expect(err).NotTo(HaveOccurred())
		s, err := c.Run(ctx, enginetest.LoopPath, protocol.TargetLaunch{})
		Expect(err).NotTo(HaveOccurred())
		until(s, isType(protocol.TypeLocation))

		set, err := c.ToggleBreakpoint("main.c", 11)
		Expect(err).NotTo(HaveOccurred())
		Expect(set).To(BeTrue())
		set, err = c.ToggleBreakpoint("main.c", 9)
		Expect(err).NotTo(HaveOccurred())
		Expect(set).To(BeFalse())
		Expect(c.Breakpoints()).To(Equal([]host.Breakpoint{{File: "main.c", Line: 11}}))

		Expect(s.Continue()).To(Succeed())
		notes := until(s, isType(protocol.TypeLocation))
		Expect(notes[len(notes)-1].(protocol.LocationChanged).LineEntry.Line).To(Equal(11))
	})

	It("should kill the debuggee of the current session", func() {
		_, err := c.ToggleBreakpoint("main.c", 9)
		Expect(err).NotTo(HaveOccurred())
		s, err := c.Run(ctx, enginetest.LoopPath, protocol.TargetLaunch{})
		Expect(err).NotTo(HaveOccurred())
		until(s, isType(protocol.TypeLocation))

		Expect(c.Kill()).To(Succeed())
		until(s, isState(protocol.StateExited))
		Expect(s.Alive()).To(BeTrue())
	})

	It("should do nothing on kill or toggle without a session", func() {
		Expect(c.Kill()).To(Succeed())
		set, err := c.ToggleBreakpoint("main.c", 9)
		Expect(err).NotTo(HaveOccurred())
		Expect(set).To(BeTrue())
		Expect(c.Close()).To(Succeed())
	})

	It("should report a session that could not start", func() {
		failing := host.NewController(func(context.Context) (*host.Session, error) {
			return nil, errors.New("no worker")
		}, nil, testLogger())

		_, err := failing.Run(ctx, enginetest.EchoPath, protocol.TargetLaunch{})
		Expect(err).To(MatchError(ContainSubstring("no worker")))
		Expect(failing.Session()).To(BeNil())
	})
})
