package protocol

import (
	"fmt"
	"net"

	"github.com/guseggert/carnifex/relay"
	"github.com/valyala/bytebufferpool"
)

// Result is everything a Collector received, and why the connection ended.
type Result struct {
	Output []byte
	Reason error
}

// Collector writes Input once connected, closes its write side, and gathers everything it receives.
// Done resolves when the connection is lost.
type Collector struct {
	Input []byte

	buf  bytebufferpool.ByteBuffer
	done *relay.Completion[Result]
}

var _ relay.Protocol = (*Collector)(nil)

func NewCollector(input []byte) *Collector {
	return &Collector{Input: input, done: relay.NewCompletion[Result]()}
}

// Done resolves with the collected output once the connection is lost. It is safe to wait on from any goroutine.
func (c *Collector) Done() *relay.Completion[Result] { return c.done }

func (c *Collector) ConnectionMade(t relay.Transport) {
	if len(c.Input) > 0 {
		if err := t.Write(c.Input); err != nil {
			t.LoseConnection(err)
			return
		}
	}
	if hc, ok := t.(relay.HalfCloser); ok {
		if err := hc.CloseWrite(); err != nil {
			t.LoseConnection(fmt.Errorf("closing write side: %w", err))
		}
	}
}

func (c *Collector) DataReceived(b []byte) { _, _ = c.buf.Write(b) }

func (c *Collector) ConnectionLost(reason error) {
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.B)
	c.buf.Reset()
	c.done.Resolve(Result{Output: out, Reason: reason})
}

// Factory returns a factory that builds c, and rejects Done if the connection can't be made.
func (c *Collector) Factory() relay.Factory {
	return &collectorFactory{c: c}
}

type collectorFactory struct {
	c *Collector
}

func (f *collectorFactory) BuildProtocol(addr net.Addr) relay.Protocol { return f.c }

func (f *collectorFactory) ConnectionFailed(reason error) { f.c.done.Reject(reason) }
