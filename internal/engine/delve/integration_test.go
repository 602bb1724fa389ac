package delve

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/engine"
	"github.com/bingosuite/debugbridge/internal/protocol"
	"github.com/bingosuite/debugbridge/internal/wire"
	"github.com/bingosuite/debugbridge/internal/worker"
)

const tickSource = `package main

import "fmt"

func main() {
	for i := 0; i < 2; i++ {
		fmt.Println("tick", i)
	}
}
`

// tickLine is the Println line in tickSource.
const tickLine = 7

func requireTool(name string) string {
	path, err := exec.LookPath(name)
	if err != nil {
		Skip(name + " not found in PATH")
	}
	return path
}

// buildTick compiles tickSource without optimizations and returns the binary.
func buildTick(goBin string) string {
	dir := GinkgoT().TempDir()
	src := filepath.Join(dir, "main.go")
	Expect(os.WriteFile(src, []byte(tickSource), 0o644)).To(Succeed())

	bin := filepath.Join(dir, "tick")
	cmd := exec.Command(goBin, "build", "-gcflags=all=-N -l", "-o", bin, src)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), string(out))
	return bin
}

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(GinkgoWriter)
	l.SetLevel(log.DebugLevel)
	return log.NewEntry(l)
}

type served struct {
	conn  *wire.Conn
	notes chan protocol.Notification
}

// serve runs a worker for eng on one end of a pipe.
func serve(eng engine.Engine) *served {
	hostSide, workerSide := net.Pipe()
	s := &served{conn: wire.NewConn(hostSide), notes: make(chan protocol.Notification, 256)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Serve(ctx, workerSide, eng, quietLogger())
	}()
	go func() {
		defer close(s.notes)
		for {
			payload, err := s.conn.Read()
			if err != nil {
				return
			}
			n, err := protocol.DecodeNotification(payload)
			if err != nil {
				return
			}
			s.notes <- n
		}
	}()
	DeferCleanup(func() {
		cancel()
		_ = s.conn.Close()
		Eventually(done, 10*time.Second).Should(BeClosed())
	})
	return s
}

func (s *served) send(cmd protocol.Command) {
	payload, err := protocol.EncodeCommand(cmd)
	Expect(err).NotTo(HaveOccurred())
	Expect(s.conn.Write(payload)).To(Succeed())
}

func (s *served) until(state protocol.ProcessState) []protocol.Notification {
	var got []protocol.Notification
	for {
		var n protocol.Notification
		Eventually(s.notes, 30*time.Second).Should(Receive(&n))
		got = append(got, n)
		if n == (protocol.ProcessStateChanged{State: state}) {
			return got
		}
	}
}

func states(notes []protocol.Notification) []protocol.ProcessState {
	var out []protocol.ProcessState
	for _, n := range notes {
		if ps, ok := n.(protocol.ProcessStateChanged); ok {
			out = append(out, ps.State)
		}
	}
	return out
}

var _ = Describe("Engine against dlv", Ordered, func() {
	var dlv, bin string

	BeforeAll(func() {
		dlv = requireTool("dlv")
		bin = buildTick(requireTool("go"))
	})

	It("should stop at a breakpoint and report its line", func() {
		s := serve(New(Options{Path: dlv, Logger: quietLogger()}))
		s.send(protocol.CreateTarget{ExecutablePath: bin})
		s.send(protocol.TargetSetBreakpoint{File: "main.go", Line: tickLine})
		s.send(protocol.TargetLaunch{})

		notes := s.until(protocol.StateStopped)
		Expect(states(notes)).To(Equal([]protocol.ProcessState{
			protocol.StateLaunching, protocol.StateRunning, protocol.StateStopped,
		}))

		var n protocol.Notification
		Eventually(s.notes, 10*time.Second).Should(Receive(&n))
		Expect(n).To(BeAssignableToTypeOf(protocol.LocationChanged{}))
		entry := n.(protocol.LocationChanged).LineEntry
		Expect(entry.Filename).To(Equal("main.go"))
		Expect(entry.Line).To(Equal(tickLine))

		s.send(protocol.ProcessKill{})
		s.until(protocol.StateExited)
	})

	It("should run a program to completion without a location", func() {
		s := serve(New(Options{Path: dlv, Logger: quietLogger()}))
		s.send(protocol.CreateTarget{ExecutablePath: bin})
		s.send(protocol.TargetLaunch{})

		notes := s.until(protocol.StateExited)
		Expect(states(notes)).To(Equal([]protocol.ProcessState{
			protocol.StateLaunching, protocol.StateRunning, protocol.StateExited,
		}))
		for _, n := range notes {
			Expect(n).NotTo(BeAssignableToTypeOf(protocol.LocationChanged{}))
		}
		Consistently(s.notes, 500*time.Millisecond).ShouldNot(Receive(BeAssignableToTypeOf(protocol.LocationChanged{})))
	})

	It("should fail to launch a target dlv cannot debug", func() {
		script := filepath.Join(GinkgoT().TempDir(), "script.sh")
		Expect(os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755)).To(Succeed())

		e := New(Options{Path: dlv, Logger: quietLogger()})
		Expect(e.CreateTarget(script)).To(Succeed())
		Expect(e.Launch(engine.LaunchOptions{})).To(HaveOccurred())
		Expect(e.State()).To(Equal(engine.StateInvalid))
		Expect(e.Close()).To(Succeed())
	})
})
