package chunkstream

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	pool "github.com/libp2p/go-buffer-pool"
)

// DeliveryFunc is the sole sink for assembled frames. release must be
// called exactly once, whenever the caller is done with data, to return the
// underlying data-pool block.
type DeliveryFunc func(data []byte, release func())

type droppedEntry struct {
	id   uint32
	data []byte
}

// Receiver owns an ingress UDP socket, the three fixed memory pools, and the
// in-flight assembling queue. Start runs a single receive loop on the
// calling goroutine; everything else (timers, NAK emission, delivery) is
// driven from that loop or from timers it arms.
type Receiver struct {
	id      uuid.UUID
	conn    net.PacketConn
	mtu     int
	payload int
	bufSize int
	maxSize int
	sink    DeliveryFunc

	dataPool   *MemoryPool
	rawPool    *MemoryPool
	resendPool *MemoryPool

	queueMu sync.Mutex
	queue   *OrderedIndex[*ReceivingFrame]

	droppedMu sync.Mutex
	dropped   []droppedEntry

	running   atomic.Bool
	assembled atomic.Uint64
	drops     atomic.Uint64

	metrics *receiverMetrics
}

// NewReceiver listens on port and reassembles frames up to maxDataSize bytes,
// handing each completed frame to sink. A non-positive mtu or bufferSize
// falls back to DefaultMTU or DefaultBufferSize. maxDataSize must be
// positive: unlike the Sender, the Receiver's pools are fixed-capacity
// arenas and cannot be left unbounded.
func NewReceiver(port int, sink DeliveryFunc, mtu, bufferSize, maxDataSize int) (*Receiver, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if maxDataSize <= 0 {
		return nil, errors.New("chunkstream: receiver requires a positive maxDataSize")
	}
	payload := payloadSize(mtu)
	if payload <= 0 {
		return nil, ErrMTUTooSmall
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}

	maxChunks := (maxDataSize + payload - 1) / payload

	r := &Receiver{
		id:         uuid.New(),
		conn:       conn,
		mtu:        mtu,
		payload:    payload,
		bufSize:    bufferSize,
		maxSize:    maxDataSize,
		sink:       sink,
		dataPool:   NewMemoryPool(maxDataSize, bufferSize),
		rawPool:    NewMemoryPool(mtu-ipUDPOverhead, maxChunks*bufferSize),
		resendPool: NewMemoryPool(HeaderSize, bufferSize),
		queue:      NewOrderedIndex[*ReceivingFrame](),
		metrics:    newReceiverMetrics(),
	}
	return r, nil
}

// Start begins receiving; it blocks the calling goroutine until Stop is
// called or the raw pool is exhausted.
func (r *Receiver) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("chunkstream: receiver already running")
	}
	log.Debugf("chunkstream[%s]: receiver starting on %s", r.id, r.conn.LocalAddr())

	for r.running.Load() {
		block := r.rawPool.Acquire()
		if block == nil {
			log.Errorf("chunkstream[%s]: raw pool exhausted (%s); increase maxDataSize or bufferSize",
				r.id, humanize.Bytes(uint64(r.rawPool.BlockSize()*r.rawPool.BlockCount())))
			r.running.Store(false)
			return ErrBufferOverflow
		}

		n, addr, err := r.conn.ReadFrom(block)
		if err != nil {
			r.rawPool.Release(block)
			if !r.running.Load() {
				return nil
			}
			if isCancelled(err) {
				continue
			}
			log.Errorf("chunkstream[%s]: receive error: %v", r.id, err)
			continue
		}

		if n >= HeaderSize {
			r.handlePacket(block[:n], addr)
		}
		r.rawPool.Release(block)
	}
	return nil
}

// Stop cancels outstanding I/O and resets the frame/drop counters.
func (r *Receiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.conn.Close()
	r.assembled.Store(0)
	r.drops.Store(0)
}

// Flush discards every frame currently assembling, releasing their
// data-pool blocks. Unlike Stop, it does not touch the counters.
//
// A frame the drop timer already fired for sits in both r.queue and
// r.dropped until the next routeNewFrame drains the latter; Flush clears
// r.dropped itself and releases those blocks here, then skips them in the
// queue sweep below, so the same block is never released twice.
func (r *Receiver) Flush() {
	r.droppedMu.Lock()
	pending := r.dropped
	r.dropped = nil
	r.droppedMu.Unlock()

	pendingIDs := make(map[uint32]bool, len(pending))
	for _, d := range pending {
		pendingIDs[d.id] = true
		r.dataPool.Release(d.data)
	}

	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	for {
		id, frame, ok := r.queue.Front()
		if !ok {
			break
		}
		r.queue.PopFront()
		if pendingIDs[id] {
			continue
		}
		r.dataPool.Release(frame.data)
	}
}

// PayloadSize returns PAYLOAD, the per-chunk byte capacity derived from MTU.
func (r *Receiver) PayloadSize() int { return r.payload }

// GetFrameCount returns the number of frames delivered since the last Stop.
func (r *Receiver) GetFrameCount() uint64 { return r.assembled.Load() }

// GetDropCount returns the number of frames dropped since the last Stop.
func (r *Receiver) GetDropCount() uint64 { return r.drops.Load() }

// Stats returns a snapshot of smoothed reassembly diagnostics.
func (r *Receiver) Stats() ReceiverStats { return r.metrics.snapshot() }

func (r *Receiver) handlePacket(buf []byte, addr net.Addr) {
	header, err := DecodeHeader(buf)
	if err != nil {
		return // malformed: shorter than header
	}
	if header.TotalChunks == 0 || header.ChunkIndex >= header.TotalChunks {
		return // malformed: chunk_index >= total_chunks
	}
	payload := buf[HeaderSize:]
	if int(header.ChunkSize) > len(payload) || header.ChunkSize > uint32(r.payload) {
		return // malformed: declared chunk_size doesn't match the datagram
	}
	if int(header.TotalSize) > r.dataPool.BlockSize() {
		return // malformed: total_size can't fit the data pool's block size
	}

	frame, exists := r.queue.Find(header.ID)
	if r.queue.Empty() || (!exists && header.Type == TypeInit) {
		r.routeNewFrame(header, payload, addr)
		return
	}

	if !exists || frame.IsTimedOut() || frame.IsChunkAdded(header.ChunkIndex) {
		return // silently dropped
	}
	frame.AddChunk(header, payload)
}

func (r *Receiver) routeNewFrame(header ChunkHeader, payload []byte, addr net.Addr) {
	r.drainDropped()

	block := r.dataPool.Acquire()
	if block == nil {
		log.Debugf("chunkstream[%s]: data pool exhausted (%s); dropping frame %d",
			r.id, humanize.Bytes(uint64(r.dataPool.BlockSize()*r.dataPool.BlockCount())), header.ID)
		return
	}

	frame := newReceivingFrame(r, addr, header.ID, header.TotalChunks, block, r.payload)

	r.queueMu.Lock()
	r.queue.PushBack(header.ID, frame)
	r.queueMu.Unlock()

	frame.AddChunk(header, payload)
}

// drainDropped is the eviction point for frames the timer goroutines marked
// dropped. It runs here, on the next new-frame routing decision, rather than
// synchronously inside the drop timer callback, to avoid the timer goroutine
// reentering the queue lock it doesn't hold.
func (r *Receiver) drainDropped() {
	r.droppedMu.Lock()
	pending := r.dropped
	r.dropped = nil
	r.droppedMu.Unlock()

	if len(pending) == 0 {
		return
	}
	r.queueMu.Lock()
	for _, d := range pending {
		r.queue.Erase(d.id)
	}
	r.queueMu.Unlock()
	for _, d := range pending {
		r.dataPool.Release(d.data)
	}
}

// requestResend implements frameHost: it encodes a NAK header into a scratch
// buffer, copies it into a resend-pool block, and sends it synchronously —
// the resend-pool block is released regardless of send outcome.
func (r *Receiver) requestResend(header ChunkHeader, endpoint net.Addr) {
	header.Type = TypeInit // a NAK is distinguished by datagram length, not type

	block := r.resendPool.Acquire()
	if block == nil {
		log.Debugf("chunkstream[%s]: resend pool exhausted, dropping NAK for frame %d chunk %d",
			r.id, header.ID, header.ChunkIndex)
		return
	}

	scratch := pool.Get(HeaderSize)
	EncodeHeader(header, scratch)
	copy(block, scratch)
	pool.Put(scratch)

	if _, err := r.conn.WriteTo(block[:HeaderSize], endpoint); err != nil {
		log.Debugf("chunkstream[%s]: failed to send NAK: %v", r.id, err)
	}
	r.resendPool.Release(block)
	r.metrics.observeNAK()
}

// frameAssembled implements frameHost.
func (r *Receiver) frameAssembled(id uint32, data []byte, size uint32) {
	r.assembled.Add(1)

	var createdAt time.Time
	r.queueMu.Lock()
	if f, ok := r.queue.Find(id); ok {
		createdAt = f.createdAt
	}
	r.queueMu.Unlock()
	if !createdAt.IsZero() {
		r.metrics.observeAssembled(time.Since(createdAt))
	}

	release := func() {
		r.queueMu.Lock()
		r.queue.Erase(id)
		r.queueMu.Unlock()
		r.dataPool.Release(data)
	}

	if r.sink == nil {
		release()
		return
	}
	out := make([]byte, size)
	copy(out, data[:size])
	r.sink(out, release)
}

// frameDropped implements frameHost.
func (r *Receiver) frameDropped(id uint32, data []byte) {
	r.drops.Add(1)
	r.droppedMu.Lock()
	r.dropped = append(r.dropped, droppedEntry{id, data})
	r.droppedMu.Unlock()
}
