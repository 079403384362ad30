package chunkstream

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	pool "github.com/libp2p/go-buffer-pool"
)

// emptySlotID marks a slot in the ring that has never held a frame. A slot
// whose frame has fully drained keeps that frame's id (and chunk bytes) until
// acquireSlot claims it for a new frame. Frame ids are assigned starting at 0
// and counting up, so the all-ones sentinel is safe in practice; a sender
// would have to emit 2^32 frames to collide with it.
const emptySlotID = ^uint32(0)

// sendingSlot is one reusable position in the Sender's ring. Its chunk
// buffers stay valid for retransmission for as long as refCount > 0 — it is
// released back to the ring only once every in-flight send for its current
// frame has completed.
type sendingSlot struct {
	mu       sync.Mutex
	id       uint32
	refCount int
	chunks   [][]byte
	headers  []ChunkHeader
}

// Sender owns an egress UDP socket, a ring of reusable frame slots, and a
// monotonic frame-id counter. Send fragments a payload across the ring and
// dispatches chunks asynchronously; a concurrently running NAK-ingress loop
// (Start) retransmits individual chunks the peer reports missing.
type Sender struct {
	id      uuid.UUID
	conn    net.PacketConn
	peer    net.Addr
	payload int
	maxSize int

	slots []*sendingSlot

	ringMu   sync.Mutex
	ringIdx  int
	slotByID map[uint32]int // resolves the slot-ring's id→slot lookup in O(1), avoiding a rotated binary search over a ring whose "empty" sentinels break the sorted-with-rotation invariant during warm-up

	nextID atomic.Uint32

	running atomic.Bool
	wg      sync.WaitGroup

	metrics *senderMetrics
}

// NewSender targets ip:port as the fixed peer endpoint. maxDataSize of 0
// means unbounded: slots grow their chunk buffers lazily on first use
// instead of preallocating them.
func NewSender(ip string, port int, mtu, bufferSize, maxDataSize int) (*Sender, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	payload := payloadSize(mtu)
	if payload <= 0 {
		return nil, ErrMTUTooSmall
	}

	peer, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}

	var preallocChunks int
	if maxDataSize > 0 {
		preallocChunks = (maxDataSize + payload - 1) / payload
	}

	slots := make([]*sendingSlot, bufferSize)
	for i := range slots {
		s := &sendingSlot{id: emptySlotID}
		if preallocChunks > 0 {
			s.chunks = makeChunkBuffers(preallocChunks, payload)
			s.headers = make([]ChunkHeader, preallocChunks)
		}
		slots[i] = s
	}

	return &Sender{
		id:       uuid.New(),
		conn:     conn,
		peer:     peer,
		payload:  payload,
		maxSize:  maxDataSize,
		slots:    slots,
		slotByID: make(map[uint32]int, bufferSize),
		metrics:  newSenderMetrics(),
	}, nil
}

func makeChunkBuffers(count, payload int) [][]byte {
	chunks := make([][]byte, count)
	for i := range chunks {
		chunks[i] = make([]byte, HeaderSize+payload)
	}
	return chunks
}

// Send fragments data into chunks and dispatches each asynchronously to the
// peer. It returns once every chunk has been handed to a goroutine to send,
// not once the sends complete.
func (s *Sender) Send(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}

	id := s.nextID.Add(1) - 1
	totalChunks := uint16((len(data) + s.payload - 1) / s.payload)

	slot := s.acquireSlot(id, totalChunks)
	s.growSlot(slot, int(totalChunks))

	for i := 0; i < int(totalChunks); i++ {
		remaining := len(data) - i*s.payload
		chunkSize := s.payload
		if remaining < chunkSize {
			chunkSize = remaining
		}
		header := ChunkHeader{
			ID:          id,
			TotalSize:   uint32(len(data)),
			TotalChunks: totalChunks,
			ChunkIndex:  uint16(i),
			ChunkSize:   uint32(chunkSize),
			Type:        TypeInit,
		}

		slot.mu.Lock()
		slot.headers[i] = header
		buf := slot.chunks[i]
		slot.mu.Unlock()

		EncodeHeader(header, buf[:HeaderSize])
		copy(buf[HeaderSize:HeaderSize+chunkSize], data[i*s.payload:i*s.payload+chunkSize])

		s.sendAsync(slot, buf[:HeaderSize+chunkSize])
	}
	return nil
}

// growSlot resizes a slot's chunk/header arrays up if this frame needs more
// chunks than the slot has ever held before (only relevant when maxDataSize
// was 0 at construction, so nothing was preallocated, or a later Send
// exceeds the size the slot was last sized for).
func (s *Sender) growSlot(slot *sendingSlot, totalChunks int) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if len(slot.chunks) >= totalChunks {
		return
	}
	grown := make([][]byte, totalChunks)
	copy(grown, slot.chunks)
	for i := len(slot.chunks); i < totalChunks; i++ {
		grown[i] = make([]byte, HeaderSize+s.payload)
	}
	slot.chunks = grown

	headers := make([]ChunkHeader, totalChunks)
	copy(headers, slot.headers)
	slot.headers = headers
}

// acquireSlot advances the round-robin cursor under the ring mutex and
// claims the first slot it finds with ref_count == 0, spinning — yielding
// the goroutine between attempts — until one frees up. This is the
// back-pressure Send exerts against a caller outrunning the peer.
func (s *Sender) acquireSlot(id uint32, totalChunks uint16) *sendingSlot {
	for {
		s.ringMu.Lock()
		idx := s.ringIdx
		s.ringIdx = (s.ringIdx + 1) % len(s.slots)
		s.ringMu.Unlock()

		slot := s.slots[idx]
		slot.mu.Lock()
		if slot.refCount == 0 {
			oldID := slot.id
			slot.id = id
			slot.refCount = int(totalChunks)
			slot.mu.Unlock()

			s.ringMu.Lock()
			if oldID != emptySlotID {
				delete(s.slotByID, oldID)
			}
			s.slotByID[id] = idx
			s.ringMu.Unlock()
			return slot
		}
		slot.mu.Unlock()
		runtime.Gosched()
	}
}

func (s *Sender) sendAsync(slot *sendingSlot, buf []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.conn.WriteTo(buf, s.peer); err != nil {
			log.Debugf("chunkstream[%s]: send error: %v", s.id, err)
		}
		slot.mu.Lock()
		slot.refCount--
		slot.mu.Unlock()
	}()
}

// Start runs the NAK-ingress loop; it blocks the calling goroutine until
// Stop is called.
func (s *Sender) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("chunkstream: sender already running")
	}
	log.Debugf("chunkstream[%s]: sender listening for resend requests on %s", s.id, s.conn.LocalAddr())

	buf := make([]byte, HeaderSize)
	for s.running.Load() {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !s.running.Load() {
				return nil
			}
			if isCancelled(err) {
				continue
			}
			log.Debugf("chunkstream[%s]: resend-request receive error: %v", s.id, err)
			continue
		}
		if n < HeaderSize {
			continue
		}
		header, err := DecodeHeader(buf)
		if err != nil {
			continue
		}
		s.handlePacket(header)
	}
	return nil
}

// Stop halts the NAK-ingress loop and waits for any in-flight sends to
// finish decrementing their slot's ref_count.
func (s *Sender) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.conn.Close()
	s.wg.Wait()
}

// Stats returns a snapshot of smoothed retransmission diagnostics.
func (s *Sender) Stats() SenderStats { return s.metrics.snapshot() }

// PayloadSize returns PAYLOAD, the per-chunk byte capacity derived from MTU.
func (s *Sender) PayloadSize() int { return s.payload }

// handlePacket resends the single chunk a NAK asked for, rehydrating
// total_size and chunk_size from the slot's stored headers since the NAK
// itself does not carry trustworthy values for either.
func (s *Sender) handlePacket(header ChunkHeader) {
	s.ringMu.Lock()
	idx, ok := s.slotByID[header.ID]
	s.ringMu.Unlock()
	if !ok {
		return
	}

	slot := s.slots[idx]
	slot.mu.Lock()
	if slot.id != header.ID || int(header.ChunkIndex) >= len(slot.headers) {
		slot.mu.Unlock()
		return
	}
	slot.refCount++
	stored := slot.headers[header.ChunkIndex]
	buf := slot.chunks[header.ChunkIndex]
	slot.mu.Unlock()

	stored.Type = TypeResend
	scratch := pool.Get(HeaderSize)
	EncodeHeader(stored, scratch)
	copy(buf[:HeaderSize], scratch)
	pool.Put(scratch)

	slot.mu.Lock()
	slot.headers[header.ChunkIndex] = stored
	slot.mu.Unlock()

	if _, err := s.conn.WriteTo(buf[:HeaderSize+int(stored.ChunkSize)], s.peer); err != nil {
		log.Debugf("chunkstream[%s]: resend error: %v", s.id, err)
	}
	slot.mu.Lock()
	slot.refCount--
	slot.mu.Unlock()

	s.metrics.observeResend()
}
