// Package chunkstream bonds a reliable, chunk-oriented frame transfer on top
// of a single best-effort UDP socket between two endpoints.
//
// A frame is an opaque application payload, split into chunks that each fit
// inside one UDP datagram. Every datagram begins with a fixed 18-byte header:
//
//       -------------------------------------------------------------------
//      |  id(4)  |  total_size(4)  |  total_chunks(2)  |  chunk_index(2)  |
//      |  chunk_size(4)  |  transmission_type(2)  |  payload (...)       |
//       -------------------------------------------------------------------
//
// transmission_type is 0 for an original (INIT) chunk and 1 for a
// retransmitted (RESEND) one. A datagram carrying only the header (no
// payload) is a retransmission request (a NAK): the receiver asks for one
// missing chunk of one frame, and the sender answers by resending that chunk
// with transmission_type flipped to RESEND.
//
// A Sender fragments outgoing frames across a ring of reusable slots and
// keeps their chunk bytes around until every send completes, so a NAK can be
// served without re-fragmenting. A Receiver reassembles chunks into a
// fixed-capacity memory pool block per frame, and (re)arms a short timer each
// time an original chunk of a frame arrives: if the frame isn't complete when
// it fires, it
// starts asking for the missing chunks, and gives up on the frame entirely if
// it still isn't complete after a longer timeout.
package chunkstream

import (
	"encoding/binary"
	"errors"
	"net"
	"strings"

	"github.com/getlantern/golog"
)

var log = golog.LoggerFor("chunkstream")

// Network byte order is used for every wire field.
var byteOrder = binary.BigEndian

const (
	// DefaultMTU is the assumed maximum UDP datagram size used to derive
	// PAYLOAD when a caller does not specify one.
	DefaultMTU = 1500
	// DefaultBufferSize is the slot-ring / pool capacity used when a caller
	// does not specify one.
	DefaultBufferSize = 10

	// ipUDPOverhead is the combined IPv4 and UDP header size subtracted from
	// the MTU to derive the usable UDP payload size.
	ipUDPOverhead = 20 + 8
)

var (
	// ErrEmptyFrame is returned by Sender.Send for a zero-length payload.
	// Sending an empty frame would produce a frame with zero chunks, whose
	// "all chunks present" bitmap check is vacuously true before any
	// datagram for it has ever been sent; rejecting it avoids that
	// degenerate state rather than special-casing it downstream.
	ErrEmptyFrame = errors.New("chunkstream: cannot send a zero-length frame")
	// ErrBufferOverflow is returned by Receiver.Start when the raw-datagram
	// pool has no block to give out. It halts the ingress loop, since there
	// is nowhere to land the next datagram. Exhaustion of the data or resend
	// pool only drops the frame or NAK and is logged.
	ErrBufferOverflow = errors.New("chunkstream: memory pool exhausted")
	// ErrMTUTooSmall is returned by constructors when the configured MTU
	// leaves no room for a chunk payload once header and IP/UDP overhead are
	// subtracted.
	ErrMTUTooSmall = errors.New("chunkstream: mtu leaves no room for chunk payload")
)

func payloadSize(mtu int) int {
	return mtu - ipUDPOverhead - HeaderSize
}

// isCancelled reports whether err is the kind of error a socket operation
// returns because the engine is shutting down, as opposed to a transient
// transport failure. Cancellation is suppressed from logs; anything else is
// logged and the reactor keeps running.
func isCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
