package rndis

import (
	"time"

	"github.com/ardnew/cdcnet/host/class/cdc"
	"github.com/ardnew/cdcnet/pkg"
)

// byteSource is the receive side of a buffered stream.
type byteSource interface {
	Len() int
	Cap() int
	Pop(p []byte, timeout time.Duration) (int, error)
	Reset()
}

// portSource reads a port's receive ring.
type portSource struct {
	port *cdc.Port
	cap  int
}

func (s portSource) Len() int {
	n, err := s.port.Buffered(cdc.DirectionRx)
	if err != nil {
		return 0
	}
	return n
}

func (s portSource) Cap() int { return s.cap }

func (s portSource) Pop(p []byte, timeout time.Duration) (int, error) {
	return s.port.Read(p, timeout)
}

func (s portSource) Reset() { _ = s.port.Flush(cdc.DirectionRx) }

// receiver rebuilds packet messages from a byte stream. A header whose
// payload has not fully arrived is kept until the next drain.
type receiver struct {
	header  [PacketHeaderSize]byte
	pending *PacketHeader
	buf     []byte
}

// reset forgets a carried header.
func (r *receiver) reset() {
	r.pending = nil
}

// drain delivers every complete packet in src. It returns the number of
// frames delivered and dropped. A malformed header flushes src.
func (r *receiver) drain(src byteSource, deliver func(frame []byte)) (delivered, dropped int) {
	for {
		if r.pending == nil {
			if src.Len() < PacketHeaderSize {
				return delivered, dropped
			}
			if n, err := src.Pop(r.header[:], 0); err != nil || n != PacketHeaderSize {
				return delivered, dropped
			}
			var h PacketHeader
			if err := ParsePacketHeader(r.header[:], &h); err != nil {
				pkg.LogWarn(pkg.ComponentRNDIS, "discarding malformed receive data",
					"error", err, "buffered", src.Len())
				src.Reset()
				return delivered, dropped + 1
			}
			if int(h.MessageLength)-PacketHeaderSize > src.Cap() {
				pkg.LogWarn(pkg.ComponentRNDIS, "packet larger than receive ring",
					"length", h.MessageLength, "ring", src.Cap())
				src.Reset()
				return delivered, dropped + 1
			}
			r.pending = &h
		}

		rest := int(r.pending.MessageLength) - PacketHeaderSize
		if src.Len() < rest {
			return delivered, dropped
		}
		if cap(r.buf) < rest {
			r.buf = make([]byte, rest)
		}
		body := r.buf[:rest]
		if n, err := src.Pop(body, 0); err != nil || n != rest {
			pkg.LogWarn(pkg.ComponentRNDIS, "short packet read", "want", rest, "got", n)
			r.pending = nil
			src.Reset()
			return delivered, dropped + 1
		}

		start := r.pending.PayloadStart() - PacketHeaderSize
		deliver(body[start : start+int(r.pending.DataLength)])
		r.pending = nil
		delivered++
	}
}
