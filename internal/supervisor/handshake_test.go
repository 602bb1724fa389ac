package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/protocol"
	"github.com/bingosuite/debugbridge/internal/wire"
)

var _ = Describe("handshake", func() {
	errRefused := errors.New("refused")

	It("should stop at the first successful attempt", func() {
		var calls atomic.Int32
		err := handshake(context.Background(), 5, time.Millisecond, func(context.Context) error {
			if calls.Add(1) < 3 {
				return errRefused
			}
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(calls.Load()).To(Equal(int32(3)))
	})

	It("should give up after exactly the configured attempts", func() {
		var calls atomic.Int32
		backoff := 20 * time.Millisecond
		start := time.Now()
		err := handshake(context.Background(), 4, backoff, func(context.Context) error {
			calls.Add(1)
			return errRefused
		})
		elapsed := time.Since(start)

		Expect(errors.Is(err, ErrHandshakeFailed)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("refused"))
		Expect(calls.Load()).To(Equal(int32(4)))
		Expect(elapsed).To(BeNumerically(">=", 3*backoff))

		Consistently(calls.Load, 3*backoff, backoff).Should(Equal(int32(4)))
	})

	It("should not sleep before the first attempt", func() {
		start := time.Now()
		err := handshake(context.Background(), 1, time.Hour, func(context.Context) error { return nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
	})

	It("should abort the backoff when the context ends", func() {
		ctx, cancel := context.WithCancel(context.Background())
		var calls atomic.Int32
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		err := handshake(ctx, 5, time.Hour, func(context.Context) error {
			calls.Add(1)
			return errRefused
		})
		Expect(errors.Is(err, ErrHandshakeFailed)).To(BeTrue())
		Expect(calls.Load()).To(Equal(int32(1)))
	})
})

var _ = Describe("prober", func() {
	write := func(c *wire.Conn, n protocol.Notification) {
		payload, err := protocol.EncodeNotification(n)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Write(payload)).To(Succeed())
	}

	It("should consume a late liveness reply before counting the next one", func() {
		hostSide, workerSide := net.Pipe()
		DeferCleanup(func() {
			_ = hostSide.Close()
			_ = workerSide.Close()
		})

		started := protocol.WorkerState{State: protocol.WorkerStarted}
		go func() {
			defer GinkgoRecover()
			c := wire.NewConn(workerSide)
			// Answer nothing until the host has given up once and asked again.
			for i := 0; i < 2; i++ {
				_, err := c.Read()
				Expect(err).NotTo(HaveOccurred())
			}
			write(c, started)
			write(c, started)
			write(c, protocol.Error{Message: "after handshake"})
		}()

		conn := wire.NewConn(hostSide)
		p := newProber(conn, 50*time.Millisecond)
		Expect(p.probe()).To(HaveOccurred())
		Expect(p.probe()).To(Succeed())

		payload, err := conn.Read()
		Expect(err).NotTo(HaveOccurred())
		Expect(protocol.DecodeNotification(payload)).To(Equal(protocol.Error{Message: "after handshake"}))
	})

	It("should reject a reply that is not the worker state", func() {
		hostSide, workerSide := net.Pipe()
		DeferCleanup(func() {
			_ = hostSide.Close()
			_ = workerSide.Close()
		})
		go func() {
			defer GinkgoRecover()
			c := wire.NewConn(workerSide)
			_, err := c.Read()
			Expect(err).NotTo(HaveOccurred())
			write(c, protocol.Error{Message: "busy"})
		}()

		err := newProber(wire.NewConn(hostSide), time.Second).probe()
		Expect(err).To(MatchError(ContainSubstring("unexpected probe reply")))
	})
})

var _ = Describe("output monitor", func() {
	var (
		w     *Worker
		lines []string
		logs  *bytes.Buffer
	)

	BeforeEach(func() {
		lines = nil
		logs = &bytes.Buffer{}
		logger := log.New()
		logger.SetOutput(logs)
		w = &Worker{
			opts: Options{Output: func(line string) { lines = append(lines, line) }},
			log:  log.NewEntry(logger),
		}
	})

	It("should forward every line until EOF", func() {
		err := w.forward(strings.NewReader("first\nsecond\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(Equal([]string{"first", "second"}))
		Expect(logs.String()).To(ContainSubstring("second"))
	})

	It("should stop on output that is not UTF-8", func() {
		err := w.forward(strings.NewReader("ok\n\xff\xfe\nlater\n"))
		Expect(errors.Is(err, ErrOutputDecode)).To(BeTrue())
		Expect(lines).To(Equal([]string{"ok"}))
	})

	It("should report any other read failure as a dead worker", func() {
		err := w.forward(io.MultiReader(strings.NewReader("partial\n"), failingReader{}))
		Expect(errors.Is(err, ErrWorkerDied)).To(BeTrue())
		Expect(lines).To(Equal([]string{"partial"}))
	})
})

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("read failed")
}
