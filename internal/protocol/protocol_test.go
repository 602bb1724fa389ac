package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestProtocol(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Protocol Suite")
}

func asMap(payload []byte) map[string]any {
	var m map[string]any
	Expect(json.Unmarshal(payload, &m)).To(Succeed())
	return m
}

var _ = Describe("Commands", func() {
	It("should copy named arguments next to the discriminator", func() {
		payload, err := EncodeCommand(TargetSetBreakpoint{File: "main.c", Line: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(asMap(payload)).To(Equal(map[string]any{
			"command": "target_set_breakpoint",
			"file":    "main.c",
			"line":    float64(10),
		}))
	})

	It("should encode argument-less commands as the bare discriminator", func() {
		payload, err := EncodeCommand(ProcessKill{})
		Expect(err).NotTo(HaveOccurred())
		Expect(asMap(payload)).To(Equal(map[string]any{"command": "process_kill"}))
	})

	DescribeTable("should decode every variant it encodes",
		func(cmd Command) {
			payload, err := EncodeCommand(cmd)
			Expect(err).NotTo(HaveOccurred())

			decoded, err := DecodeCommand(payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded).To(Equal(cmd))

			again, err := EncodeCommand(decoded)
			Expect(err).NotTo(HaveOccurred())
			Expect(asMap(again)).To(Equal(asMap(payload)))
		},
		Entry("state", State{}),
		Entry("stop", Stop{}),
		Entry("create_target", CreateTarget{ExecutablePath: "/bin/echo"}),
		Entry("target_launch", TargetLaunch{Arguments: []string{"-n", "hi"}, Environment: map[string]string{"A": "1"}}),
		Entry("target_set_breakpoint", TargetSetBreakpoint{File: "main.c", Line: 10}),
		Entry("target_delete_breakpoint", TargetDeleteBreakpoint{File: "main.c", Line: 10}),
		Entry("process_continue", ProcessContinue{}),
		Entry("thread_step_over", ThreadStepOver{}),
		Entry("thread_step_in", ThreadStepIn{}),
		Entry("thread_step_out", ThreadStepOut{}),
		Entry("frame_select", FrameSelect{Index: 2}),
		Entry("process_kill", ProcessKill{}),
		Entry("process_destroy", ProcessDestroy{}),
		Entry("handle_command", HandleCommand{Input: "bt"}),
		Entry("frame_get_line_entry", FrameGetLineEntry{}),
	)

	It("should decode every command name", func() {
		Expect(commandDecoders).To(HaveLen(15))
	})

	It("should report unknown command names", func() {
		_, err := DecodeCommand([]byte(`{"command":"format_disk"}`))

		var unknown *UnknownCommandError
		Expect(errors.As(err, &unknown)).To(BeTrue())
		Expect(unknown.Name).To(Equal("format_disk"))
	})

	It("should reject payloads without a discriminator", func() {
		for _, raw := range []string{`{}`, `{"command":3}`, `[1,2]`, `not json`} {
			_, err := DecodeCommand([]byte(raw))
			Expect(errors.Is(err, ErrMalformedPayload)).To(BeTrue(), raw)
		}
	})

	It("should reject arguments of the wrong shape", func() {
		_, err := DecodeCommand([]byte(`{"command":"target_set_breakpoint","file":"a.c","line":"ten"}`))
		Expect(errors.Is(err, ErrMalformedPayload)).To(BeTrue())
	})
})

var _ = Describe("Notifications", func() {
	DescribeTable("should round-trip",
		func(n Notification) {
			payload, err := EncodeNotification(n)
			Expect(err).NotTo(HaveOccurred())
			Expect(asMap(payload)).To(HaveKeyWithValue("type", string(n.Type())))

			decoded, err := DecodeNotification(payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded).To(Equal(n))
		},
		Entry("process_state", ProcessStateChanged{State: StateStopped}),
		Entry("location", LocationChanged{LineEntry: LineEntry{Directory: "/src", Filename: "main.c", Line: 10, Column: 3}}),
		Entry("process_std_out", ProcessStdout{Output: "hello\n"}),
		Entry("process_std_err", ProcessStderr{Output: "oops\n"}),
		Entry("command_output", CommandOutput{Output: "x"}),
		Entry("command_finished", CommandFinished{Output: "done", Success: true}),
		Entry("error", Error{Message: "Couldn't create target"}),
		Entry("worker_state", WorkerState{State: WorkerStarted}),
	)

	It("should carry the line entry under line_entry", func() {
		payload, err := EncodeNotification(LocationChanged{LineEntry: LineEntry{Filename: "main.c", Line: 10}})
		Expect(err).NotTo(HaveOccurred())
		Expect(asMap(payload)).To(HaveKeyWithValue("line_entry", HaveKeyWithValue("filename", "main.c")))
	})

	It("should reject unknown notification types", func() {
		_, err := DecodeNotification([]byte(`{"type":"bogus"}`))
		Expect(errors.Is(err, ErrMalformedPayload)).To(BeTrue())
	})

	It("should tell which notifications end a command", func() {
		Expect(EndsCommand(CommandFinished{})).To(BeTrue())
		Expect(EndsCommand(Error{})).To(BeTrue())
		Expect(EndsCommand(CommandOutput{})).To(BeFalse())
		Expect(EndsCommand(ProcessStateChanged{})).To(BeFalse())
		Expect(EndsCommand(LocationChanged{})).To(BeFalse())
	})
})

var _ = Describe("ProcessState", func() {
	It("should recognise the full vocabulary", func() {
		for _, s := range []ProcessState{
			StateInvalid, StateConnected, StateAttaching, StateLaunching, StateRunning, StateStepping,
			StateStopped, StateCrashed, StateDetached, StateExited, StateSuspended, StateUnloaded,
		} {
			Expect(s.Valid()).To(BeTrue(), string(s))
		}
		Expect(ProcessState("paused").Valid()).To(BeFalse())
	})

	It("should only offer a frame when stopped", func() {
		Expect(StateStopped.HasFrame()).To(BeTrue())
		Expect(StateRunning.HasFrame()).To(BeFalse())
	})

	It("should treat exited, detached and crashed as terminal", func() {
		Expect(StateExited.Terminal()).To(BeTrue())
		Expect(StateDetached.Terminal()).To(BeTrue())
		Expect(StateCrashed.Terminal()).To(BeTrue())
		Expect(StateStopped.Terminal()).To(BeFalse())
	})
})
