// Package protocol has reusable relay protocols.
package protocol

import (
	"bytes"
	"errors"

	"github.com/guseggert/carnifex/relay"
	"github.com/valyala/bytebufferpool"
)

const defaultMaxLength = 16384

var ErrLineTooLong = errors.New("line is longer than the maximum line length")

// LineReceiver splits the relayed byte stream into lines.
// Lines still buffered when the connection is lost are delivered one by one, followed by any trailing partial line.
type LineReceiver struct {
	// Delimiter separates lines, and is not included in them.
	Delimiter []byte
	// MaxLength is the longest line accepted before the connection is dropped with ErrLineTooLong. Zero disables the limit.
	MaxLength int

	onLine    func(line []byte)
	onLost    func(reason error)
	transport relay.Transport
	buf       *bytebufferpool.ByteBuffer
	// off is where the unconsumed part of buf starts
	off int
}

var _ relay.Protocol = (*LineReceiver)(nil)

type LineOption func(r *LineReceiver)

func WithDelimiter(d string) LineOption {
	return func(r *LineReceiver) {
		r.Delimiter = []byte(d)
	}
}

func WithMaxLength(n int) LineOption {
	return func(r *LineReceiver) {
		r.MaxLength = n
	}
}

// WithOnLost sets a callback for when the connection is lost, after the last line was delivered.
func WithOnLost(f func(reason error)) LineOption {
	return func(r *LineReceiver) {
		r.onLost = f
	}
}

// NewLineReceiver calls onLine with each line. The line is only valid for the duration of the call.
func NewLineReceiver(onLine func(line []byte), opts ...LineOption) *LineReceiver {
	r := &LineReceiver{
		Delimiter: []byte("\n"),
		MaxLength: defaultMaxLength,
		onLine:    onLine,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Transport returns the transport of the current connection, or nil.
func (r *LineReceiver) Transport() relay.Transport { return r.transport }

func (r *LineReceiver) ConnectionMade(t relay.Transport) {
	r.transport = t
	r.buf = bytebufferpool.Get()
}

func (r *LineReceiver) DataReceived(b []byte) {
	if r.buf == nil {
		return
	}
	_, _ = r.buf.Write(b)
	for r.buf != nil {
		i := bytes.Index(r.buf.B[r.off:], r.Delimiter)
		if i < 0 {
			break
		}
		if r.tooLong(i) {
			return
		}
		line := r.buf.B[r.off : r.off+i]
		r.off += i + len(r.Delimiter)
		r.onLine(line)
	}
	if r.buf == nil {
		// lost from onLine
		return
	}
	n := copy(r.buf.B, r.buf.B[r.off:])
	r.buf.B = r.buf.B[:n]
	r.off = 0
	r.tooLong(n - r.delimiterPrefix())
}

// delimiterPrefix returns how many trailing bytes of buf could be the start of a delimiter split across chunks.
func (r *LineReceiver) delimiterPrefix() int {
	for k := len(r.Delimiter) - 1; k > 0; k-- {
		if bytes.HasSuffix(r.buf.B, r.Delimiter[:k]) {
			return k
		}
	}
	return 0
}

// tooLong drops the connection if n exceeds MaxLength.
func (r *LineReceiver) tooLong(n int) bool {
	if r.MaxLength <= 0 || n <= r.MaxLength {
		return false
	}
	r.buf.Reset()
	r.off = 0
	r.transport.LoseConnection(ErrLineTooLong)
	return true
}

func (r *LineReceiver) ConnectionLost(reason error) {
	buf := r.buf
	r.buf = nil
	if buf != nil {
		rest := buf.B[r.off:]
		for len(rest) > 0 {
			i := bytes.Index(rest, r.Delimiter)
			if i < 0 {
				r.onLine(rest)
				break
			}
			r.onLine(rest[:i])
			rest = rest[i+len(r.Delimiter):]
		}
		bytebufferpool.Put(buf)
	}
	r.off = 0
	r.transport = nil
	if r.onLost != nil {
		r.onLost(reason)
	}
}

// SendLine writes line followed by the delimiter.
func (r *LineReceiver) SendLine(line []byte) error {
	if r.transport == nil {
		return relay.ErrNotConnected
	}
	return r.transport.WriteSequence([][]byte{line, r.Delimiter})
}
