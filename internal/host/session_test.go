package host_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bingosuite/debugbridge/internal/engine/enginetest"
	"github.com/bingosuite/debugbridge/internal/host"
	"github.com/bingosuite/debugbridge/internal/protocol"
	"github.com/bingosuite/debugbridge/internal/supervisor"
	"github.com/bingosuite/debugbridge/internal/wire"
	"github.com/bingosuite/debugbridge/internal/worker/workertest"
)

var _ = Describe("Session", func() {
	var (
		s   *host.Session
		eng *enginetest.Engine
		ctx context.Context
	)

	BeforeEach(func() {
		s, eng, _ = pipeSession()
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		DeferCleanup(cancel)
	})

	It("should have a unique id", func() {
		other, _, _ := pipeSession()
		Expect(s.ID()).NotTo(BeEmpty())
		Expect(s.ID()).NotTo(Equal(other.ID()))
	})

	It("should answer the probe", func() {
		Expect(s.Probe(ctx)).To(Succeed())
	})

	It("should deliver notifications in arrival order", func() {
		Expect(s.CreateTarget(enginetest.EchoPath)).To(Succeed())
		Expect(s.Launch(protocol.TargetLaunch{Arguments: []string{"hello"}})).To(Succeed())

		notes := until(s, isState(protocol.StateExited))
		Expect(notes).To(Equal([]protocol.Notification{
			protocol.ProcessStateChanged{State: protocol.StateLaunching},
			protocol.ProcessStateChanged{State: protocol.StateRunning},
			protocol.ProcessStdout{Output: "hello\n"},
			protocol.ProcessStateChanged{State: protocol.StateExited},
		}))
		Expect(eng.Launches()[0].Arguments).To(Equal([]string{"hello"}))
	})

	Describe("RunCommand", func() {
		It("should return the output of a successful command", func() {
			out, err := s.RunCommand(ctx, "echo hi there")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("hi there"))
		})

		It("should return a failed command as an error", func() {
			_, err := s.RunCommand(ctx, "fail")
			Expect(err).To(MatchError("command failed"))
		})

		It("should pair each result with its own command", func() {
			var wg sync.WaitGroup
			results := make([]string, 20)
			for i := range results {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					out, err := s.RunCommand(ctx, "echo "+string(rune('a'+i)))
					Expect(err).NotTo(HaveOccurred())
					results[i] = out
				}()
			}
			wg.Wait()
			for i, out := range results {
				Expect(out).To(Equal(string(rune('a' + i))))
			}
		})

		It("should report a console command after exit as an error", func() {
			Expect(s.CreateTarget(enginetest.EchoPath)).To(Succeed())
			Expect(s.Launch(protocol.TargetLaunch{})).To(Succeed())
			until(s, isState(protocol.StateExited))

			_, err := s.RunCommand(ctx, "bt")
			Expect(err).To(MatchError(ContainSubstring("not run")))
		})
	})

	It("should keep receiving while nobody consumes notifications", func() {
		for i := 0; i < 300; i++ {
			_, err := s.RunCommand(ctx, "echo x")
			Expect(err).NotTo(HaveOccurred())
		}

		for i := 0; i < 300; i++ {
			Expect(<-s.Notifications()).To(Equal(protocol.CommandFinished{Output: "x", Success: true}))
		}
	})

	Describe("LineEntry", func() {
		It("should return the location of the selected frame", func() {
			Expect(s.SetBreakpoint("main.c", 9)).To(Succeed())
			Expect(s.CreateTarget(enginetest.LoopPath)).To(Succeed())
			Expect(s.Launch(protocol.TargetLaunch{})).To(Succeed())
			until(s, isType(protocol.TypeLocation))

			entry, err := s.LineEntry(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry).To(Equal(protocol.LineEntry{Directory: "/src/loop", Filename: "main.c", Line: 9}))
		})

		It("should fail without a stopped process", func() {
			_, err := s.LineEntry(ctx)
			Expect(err).To(MatchError(ContainSubstring("No line entry")))
		})
	})

	Describe("connection loss", func() {
		It("should end the session when the worker goes away", func() {
			other, _, workerSide := pipeSession()
			Expect(workerSide.Close()).To(Succeed())

			Eventually(other.Done(), 5*time.Second).Should(BeClosed())
			Expect(errors.Is(other.Err(), wire.ErrConnectionClosed)).To(BeTrue())
			Expect(other.Send(protocol.State{})).To(MatchError(host.ErrSessionClosed))
			Eventually(other.Notifications()).Should(BeClosed())
		})

		It("should fail a pending Execute", func() {
			other, _, workerSide := pipeSession()
			go func() {
				time.Sleep(50 * time.Millisecond)
				_ = workerSide.Close()
			}()
			_, err := other.Execute(ctx, protocol.CreateTarget{ExecutablePath: enginetest.EchoPath})
			Expect(err).To(MatchError(host.ErrSessionClosed))
		})
	})

	Describe("Close", func() {
		It("should stop the worker and be idempotent", func() {
			Expect(s.Close()).To(Succeed())
			Expect(s.Alive()).To(BeFalse())
			Expect(s.Err()).NotTo(HaveOccurred())
			Expect(s.Close()).To(Succeed())
		})

		for _, mode := range []supervisor.Mode{supervisor.ModeConnectBack, supervisor.ModeDial} {
			It("should let a supervised worker exit cleanly in "+string(mode)+" mode", func() {
				w, err := supervisor.Start(ctx, supervisor.Options{
					Binary:          workertest.Binary(),
					Mode:            mode,
					Env:             workertest.Env(workertest.Serve),
					EngineDirectory: GinkgoT().TempDir(),
					StopTimeout:     10 * time.Second,
					Logger:          testLogger(),
				})
				Expect(err).NotTo(HaveOccurred())
				DeferCleanup(w.Kill)

				other := host.NewSession(w.Conn(), w, testLogger())
				Expect(other.Probe(ctx)).To(Succeed())
				Expect(other.Close()).To(Succeed())
				Expect(w.Done()).To(BeClosed())
				Expect(w.ExitCode()).To(Equal(0))
				Expect(w.Err()).NotTo(HaveOccurred())
			})
		}

		It("should kill the process behind the connection", func() {
			k := &countingKiller{}
			other := host.NewSession(wire.NewConn(closedPipe()), k, testLogger())
			Expect(other.Close()).To(Succeed())
			Expect(other.Close()).To(Succeed())
			Expect(k.calls).To(Equal(1))
		})
	})
})

var _ = Describe("Listen", func() {
	It("should dispatch every notification to its callback", func() {
		s, _, _ := pipeSession()
		Expect(s.SetBreakpoint("main.c", 10)).To(Succeed())
		Expect(s.CreateTarget(enginetest.LoopPath)).To(Succeed())
		Expect(s.Launch(protocol.TargetLaunch{})).To(Succeed())

		rec := &recorder{stopped: make(chan struct{}, 1)}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		listened := make(chan error, 1)
		go func() { listened <- s.Listen(ctx, rec) }()

		Eventually(rec.stopped, 5*time.Second).Should(Receive())
		Expect(s.HandleCommand("fail")).To(Succeed())
		Expect(s.HandleCommand("")).To(Succeed())
		Expect(s.Continue()).To(Succeed())

		Eventually(rec.snapshot, 5*time.Second).Should(ContainElement("state exited"))
		Expect(rec.snapshot()).To(Equal([]string{
			"state launching",
			"state running",
			`stdout "tick\n"`,
			`stderr "warn\n"`,
			"state stopped",
			"location main.c:10",
			"finished false command failed",
			"finished false empty command",
			"state running",
			`stdout "done\n"`,
			"state exited",
		}))

		cancel()
		Eventually(listened).Should(Receive(MatchError(context.Canceled)))
	})

	It("should return once the connection ends", func() {
		s, _, workerSide := pipeSession()
		listened := make(chan error, 1)
		go func() { listened <- s.Listen(context.Background(), host.NopListener{}) }()

		Expect(workerSide.Close()).To(Succeed())
		Eventually(listened, 5*time.Second).Should(Receive(MatchError(wire.ErrConnectionClosed)))
	})
})

var _ = Describe("StartSession", func() {
	It("should run a target in a supervised worker", func() {
		logger := testLogger()
		s, err := host.StartSession(context.Background(), supervisor.Options{
			Binary:          workertest.Binary(),
			Env:             workertest.Env(workertest.Serve),
			EngineDirectory: GinkgoT().TempDir(),
			Logger:          logger,
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(s.Close)

		Expect(s.CreateTarget(enginetest.EchoPath)).To(Succeed())
		Expect(s.Launch(protocol.TargetLaunch{})).To(Succeed())
		notes := until(s, isState(protocol.StateExited))
		Expect(ofType[protocol.ProcessStdout](notes)).To(Equal([]protocol.ProcessStdout{{Output: "hello\n"}}))

		Expect(s.Close()).To(Succeed())
		Expect(s.Alive()).To(BeFalse())
	})

	It("should surface a failed handshake", func() {
		_, err := host.StartSession(context.Background(), supervisor.Options{
			Binary:         workertest.Binary(),
			Env:            workertest.Env(workertest.Crash),
			ConnectTimeout: time.Second,
			Logger:         testLogger(),
		})
		Expect(errors.Is(err, supervisor.ErrHandshakeFailed)).To(BeTrue())
	})
})
