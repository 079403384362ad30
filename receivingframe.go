package chunkstream

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Timing constants for the reassembly state machine. INIT_CHUNK_TIMEOUT lets
// a burst of chunks for one frame arrive before a NAK opens; FRAME_DROP_TIMEOUT
// caps total reassembly latency; RESEND_TIMEOUT paces NAK repetition so a
// single lost retransmission request doesn't stall recovery.
const (
	InitChunkTimeout = 20 * time.Millisecond
	FrameDropTimeout = 100 * time.Millisecond
	ResendTimeout    = 20 * time.Millisecond
)

// FrameStatus is the state of a ReceivingFrame's assembly.
type FrameStatus int32

const (
	StatusAssembling FrameStatus = iota
	StatusReady
	StatusDropped
)

// frameHost is the capability a ReceivingFrame uses to talk back to its
// owning Receiver. Holding this interface as a non-owning back-reference
// (Receiver owns Frame; Frame observes Receiver) avoids the reference cycle
// three captured closures would otherwise create.
type frameHost interface {
	requestResend(header ChunkHeader, endpoint net.Addr)
	frameAssembled(id uint32, data []byte, size uint32)
	frameDropped(id uint32, data []byte)
}

// ReceivingFrame is the per-frame reassembly state machine: a chunk-presence
// bitmap, three timers, and the NAK loop that fires while chunks are
// missing.
type ReceivingFrame struct {
	id          uint32
	endpoint    net.Addr
	totalChunks uint16
	chunkSize   int // stride between chunk slots in data, i.e. PAYLOAD
	host        frameHost
	createdAt   time.Time

	bitmapMu sync.Mutex
	bitmap   []bool
	headers  []ChunkHeader
	data     []byte

	needsResend atomic.Bool
	status      atomic.Int32

	timerMu     sync.Mutex
	initTimer   *time.Timer
	dropTimer   *time.Timer
	resendTimer *time.Timer
}

func newReceivingFrame(host frameHost, endpoint net.Addr, id uint32, totalChunks uint16, data []byte, chunkSize int) *ReceivingFrame {
	f := &ReceivingFrame{
		id:          id,
		endpoint:    endpoint,
		totalChunks: totalChunks,
		chunkSize:   chunkSize,
		host:        host,
		createdAt:   time.Now(),
		bitmap:      make([]bool, totalChunks),
		headers:     make([]ChunkHeader, totalChunks),
		data:        data,
	}
	f.status.Store(int32(StatusAssembling))
	return f
}

// Status returns the frame's current state.
func (f *ReceivingFrame) Status() FrameStatus {
	return FrameStatus(f.status.Load())
}

// IsTimedOut reports whether the frame has been dropped.
func (f *ReceivingFrame) IsTimedOut() bool {
	return f.Status() == StatusDropped
}

// IsChunkAdded reports whether chunkIndex's bit is already set.
func (f *ReceivingFrame) IsChunkAdded(chunkIndex uint16) bool {
	f.bitmapMu.Lock()
	defer f.bitmapMu.Unlock()
	if int(chunkIndex) >= len(f.bitmap) {
		return false
	}
	return f.bitmap[chunkIndex]
}

// AddChunk records one chunk's payload and header. A duplicate chunk
// (bitmap bit already set) is an idempotent no-op beyond the bitmap check
// itself — the copy is skipped so retransmissions racing with a delayed
// original can't double-write or double-count.
func (f *ReceivingFrame) AddChunk(header ChunkHeader, payload []byte) {
	if f.Status() != StatusAssembling {
		return
	}
	if header.ChunkIndex >= f.totalChunks {
		return
	}

	f.bitmapMu.Lock()
	alreadySet := f.bitmap[header.ChunkIndex]
	if !alreadySet {
		start := int(header.ChunkIndex) * f.chunkSize
		n := int(header.ChunkSize)
		if start+n > len(f.data) {
			f.bitmapMu.Unlock()
			return // malformed: chunk would write past the data-pool block
		}
		f.bitmap[header.ChunkIndex] = true
		f.headers[header.ChunkIndex] = header
		copy(f.data[start:start+n], payload[:n])
	}
	allSet := true
	for _, set := range f.bitmap {
		if !set {
			allSet = false
			break
		}
	}
	f.bitmapMu.Unlock()

	if allSet {
		f.status.Store(int32(StatusReady))
		f.needsResend.Store(false)
		f.cancelTimer(&f.initTimer)
		f.cancelTimer(&f.dropTimer)
		f.cancelTimer(&f.resendTimer)
		f.host.frameAssembled(f.id, f.data, header.TotalSize)
		return
	}

	if header.Type == TypeInit && !f.needsResend.Load() {
		f.armInitTimer()
	}
}

func (f *ReceivingFrame) armInitTimer() {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if f.initTimer != nil {
		f.initTimer.Stop()
	}
	f.initTimer = time.AfterFunc(InitChunkTimeout, f.onInitTimeout)
}

func (f *ReceivingFrame) onInitTimeout() {
	if f.Status() != StatusAssembling {
		return
	}
	f.needsResend.Store(true)
	f.armDropTimer()
	f.runResendLoop()
}

func (f *ReceivingFrame) armDropTimer() {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if f.dropTimer != nil {
		f.dropTimer.Stop()
	}
	f.dropTimer = time.AfterFunc(FrameDropTimeout, f.onDropTimeout)
}

func (f *ReceivingFrame) onDropTimeout() {
	if f.Status() != StatusAssembling {
		return
	}
	f.status.Store(int32(StatusDropped))
	f.needsResend.Store(false)
	f.host.frameDropped(f.id, f.data)
}

// runResendLoop emits one resend-request per missing chunk, then reschedules
// itself RESEND_TIMEOUT later, until needsResend is cleared (by completion)
// or the frame drops.
func (f *ReceivingFrame) runResendLoop() {
	if !f.needsResend.Load() || f.Status() != StatusAssembling {
		return
	}

	f.bitmapMu.Lock()
	missing := make([]uint16, 0, len(f.bitmap))
	for i, set := range f.bitmap {
		if !set {
			missing = append(missing, uint16(i))
		}
	}
	f.bitmapMu.Unlock()

	for _, idx := range missing {
		f.host.requestResend(ChunkHeader{
			ID:          f.id,
			ChunkIndex:  idx,
			TotalChunks: f.totalChunks,
		}, f.endpoint)
	}

	f.timerMu.Lock()
	if f.resendTimer != nil {
		f.resendTimer.Stop()
	}
	f.resendTimer = time.AfterFunc(ResendTimeout, f.runResendLoop)
	f.timerMu.Unlock()
}

func (f *ReceivingFrame) cancelTimer(t **time.Timer) {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if *t != nil {
		(*t).Stop()
	}
}
