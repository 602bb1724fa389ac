package supervisor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/protocol"
	"github.com/bingosuite/debugbridge/internal/supervisor"
	"github.com/bingosuite/debugbridge/internal/worker/workertest"
)

type outputSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *outputSink) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *outputSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

func options(mode supervisor.Mode, b workertest.Behaviour, sink *outputSink) supervisor.Options {
	logger := log.New()
	logger.SetOutput(GinkgoWriter)
	return supervisor.Options{
		Binary:          workertest.Binary(),
		Mode:            mode,
		EngineDirectory: "/opt/engine/bin",
		Env:             workertest.Env(b),
		Attempts:        5,
		Backoff:         50 * time.Millisecond,
		ConnectTimeout:  5 * time.Second,
		Output:          sink.add,
		Logger:          log.NewEntry(logger),
	}
}

func probeOnce(w *supervisor.Worker) protocol.Notification {
	payload, err := protocol.EncodeCommand(protocol.State{})
	Expect(err).NotTo(HaveOccurred())
	Expect(w.Conn().Write(payload)).To(Succeed())
	reply, err := w.Conn().Read()
	Expect(err).NotTo(HaveOccurred())
	n, err := protocol.DecodeNotification(reply)
	Expect(err).NotTo(HaveOccurred())
	return n
}

var _ = Describe("Start", func() {
	var sink *outputSink

	BeforeEach(func() {
		sink = &outputSink{}
	})

	for _, mode := range []supervisor.Mode{supervisor.ModeConnectBack, supervisor.ModeDial} {
		It("should hand back a probed connection in "+string(mode)+" mode", func() {
			w, err := supervisor.Start(context.Background(), options(mode, workertest.Serve, sink))
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(w.Kill)

			Expect(w.Pid()).To(BeNumerically(">", 0))
			Expect(probeOnce(w)).To(Equal(protocol.WorkerState{State: protocol.WorkerStarted}))
		})
	}

	It("should inject the engine directory into the worker environment", func() {
		w, err := supervisor.Start(context.Background(), options(supervisor.ModeConnectBack, workertest.PrintEnv, sink))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(w.Kill)

		Eventually(sink.joined).Should(ContainSubstring("engine=/opt/engine/bin"))
	})

	It("should record a clean exit after stop", func() {
		w, err := supervisor.Start(context.Background(), options(supervisor.ModeConnectBack, workertest.Serve, sink))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(w.Kill)

		payload, _ := protocol.EncodeCommand(protocol.Stop{})
		Expect(w.Conn().Write(payload)).To(Succeed())

		Eventually(w.Done(), 5*time.Second).Should(BeClosed())
		Expect(w.ExitCode()).To(Equal(0))
		Expect(w.Err()).NotTo(HaveOccurred())
	})

	It("should fail when the worker never connects back", func() {
		opts := options(supervisor.ModeConnectBack, workertest.Silent, sink)
		opts.ConnectTimeout = 300 * time.Millisecond

		start := time.Now()
		w, err := supervisor.Start(context.Background(), opts)
		Expect(w).To(BeNil())
		Expect(errors.Is(err, supervisor.ErrHandshakeFailed)).To(BeTrue())
		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		Expect(sink.joined()).To(ContainSubstring("silent worker started"))
	})

	It("should give up dialing after the configured attempts", func() {
		opts := options(supervisor.ModeDial, workertest.Silent, sink)
		opts.Attempts = 3

		start := time.Now()
		_, err := supervisor.Start(context.Background(), opts)
		Expect(errors.Is(err, supervisor.ErrHandshakeFailed)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("after 3 attempts"))
		Expect(time.Since(start)).To(BeNumerically(">=", 2*opts.Backoff))
	})

	It("should fail fast when the worker exits before connecting", func() {
		opts := options(supervisor.ModeConnectBack, workertest.Crash, sink)
		opts.ConnectTimeout = time.Minute

		start := time.Now()
		_, err := supervisor.Start(context.Background(), opts)
		Expect(errors.Is(err, supervisor.ErrHandshakeFailed)).To(BeTrue())
		Expect(time.Since(start)).To(BeNumerically("<", 10*time.Second))
		Expect(sink.joined()).To(ContainSubstring("worker crashing"))
	})

	It("should fail to start a missing binary", func() {
		opts := options(supervisor.ModeConnectBack, workertest.Serve, sink)
		opts.Binary = filepath.Join(GinkgoT().TempDir(), "missing")

		_, err := supervisor.Start(context.Background(), opts)
		Expect(err).To(MatchError(ContainSubstring("start worker")))
	})
})

var _ = Describe("Kill", func() {
	It("should be idempotent", func() {
		sink := &outputSink{}
		w, err := supervisor.Start(context.Background(), options(supervisor.ModeConnectBack, workertest.Serve, sink))
		Expect(err).NotTo(HaveOccurred())

		Expect(w.Kill()).To(Succeed())
		Expect(w.Done()).To(BeClosed())
		Expect(w.ExitCode()).NotTo(Equal(0))
		Expect(w.Kill()).To(Succeed())

		_, err = w.Conn().Read()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Stop", func() {
	It("should wait for a worker that was asked to stop", func() {
		w, err := supervisor.Start(context.Background(), options(supervisor.ModeDial, workertest.Serve, &outputSink{}))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(w.Kill)

		payload, _ := protocol.EncodeCommand(protocol.Stop{})
		Expect(w.Conn().Write(payload)).To(Succeed())

		Expect(w.Stop()).To(Succeed())
		Expect(w.ExitCode()).To(Equal(0))
	})

	It("should kill a worker that does not stop in time", func() {
		opts := options(supervisor.ModeConnectBack, workertest.Serve, &outputSink{})
		opts.StopTimeout = 200 * time.Millisecond
		w, err := supervisor.Start(context.Background(), opts)
		Expect(err).NotTo(HaveOccurred())

		start := time.Now()
		Expect(w.Stop()).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically(">=", opts.StopTimeout))
		Expect(w.Done()).To(BeClosed())
		Expect(w.ExitCode()).NotTo(Equal(0))
	})
})

var _ = Describe("FindEngineDirectory", func() {
	It("should return the first candidate holding the binary", func() {
		empty := GinkgoT().TempDir()
		first := GinkgoT().TempDir()
		second := GinkgoT().TempDir()
		for _, dir := range []string{first, second} {
			Expect(os.WriteFile(filepath.Join(dir, "dlv"), []byte("#!/bin/sh\n"), 0o755)).To(Succeed())
		}

		Expect(supervisor.FindEngineDirectory("dlv", []string{empty, first, second})).To(Equal(first))
	})

	It("should ignore directories named like the binary", func() {
		dir := GinkgoT().TempDir()
		Expect(os.Mkdir(filepath.Join(dir, "dlv"), 0o755)).To(Succeed())

		Expect(supervisor.FindEngineDirectory("dlv", []string{dir})).To(BeEmpty())
	})

	It("should probe GOBIN before the defaults", func() {
		GinkgoT().Setenv("GOBIN", "/custom/gobin")
		Expect(supervisor.EngineCandidates()[0]).To(Equal("/custom/gobin"))
	})
})
