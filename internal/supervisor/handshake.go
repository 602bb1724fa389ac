package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/bingosuite/debugbridge/internal/protocol"
	"github.com/bingosuite/debugbridge/internal/wire"
)

// handshake calls attempt up to attempts times, sleeping backoff between
// calls. It never calls attempt again after giving up.
func handshake(ctx context.Context, attempts int, backoff time.Duration, attempt func(context.Context) error) error {
	var last error
	for i := 1; i <= attempts; i++ {
		if i > 1 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("%w: %v", ErrHandshakeFailed, ctx.Err())
			case <-t.C:
			}
		}
		if last = attempt(ctx); last == nil {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrHandshakeFailed, attempts, last)
}

// prober sends liveness probes over one connection. A probe that timed out
// still owes its reply, and owed replies are consumed before the next probe
// counts as answered.
type prober struct {
	conn    *wire.Conn
	timeout time.Duration
	owed    int
}

func newProber(conn *wire.Conn, timeout time.Duration) *prober {
	return &prober{conn: conn, timeout: timeout}
}

// probe sends the liveness command and waits up to timeout for its reply.
func (p *prober) probe() error {
	payload, err := protocol.EncodeCommand(protocol.State{})
	if err != nil {
		return err
	}
	if err := p.conn.Write(payload); err != nil {
		return err
	}
	p.owed++

	if err := p.conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
		return err
	}
	defer func() { _ = p.conn.SetReadDeadline(time.Time{}) }()

	for p.owed > 0 {
		reply, err := p.conn.Read()
		if err != nil {
			return err
		}
		p.owed--
		n, err := protocol.DecodeNotification(reply)
		if err != nil {
			return err
		}
		ws, ok := n.(protocol.WorkerState)
		if !ok || ws.State != protocol.WorkerStarted {
			return fmt.Errorf("unexpected probe reply %s", n.Type())
		}
	}
	return nil
}
