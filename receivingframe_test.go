package chunkstream

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeHost struct {
	mu            sync.Mutex
	resends       []ChunkHeader
	assembled     []uint32
	dropped       []uint32
	assembledData map[uint32][]byte
}

func newFakeHost() *fakeHost {
	return &fakeHost{assembledData: make(map[uint32][]byte)}
}

func (h *fakeHost) requestResend(header ChunkHeader, endpoint net.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resends = append(h.resends, header)
}

func (h *fakeHost) frameAssembled(id uint32, data []byte, size uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.assembled = append(h.assembled, id)
	out := make([]byte, size)
	copy(out, data[:size])
	h.assembledData[id] = out
}

func (h *fakeHost) frameDropped(id uint32, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped = append(h.dropped, id)
}

func (h *fakeHost) resendCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.resends)
}

func (h *fakeHost) assembledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.assembled)
}

func (h *fakeHost) droppedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dropped)
}

func TestReceivingFrameCompletesWithoutLoss(t *testing.T) {
	host := newFakeHost()
	data := make([]byte, 30)
	frame := newReceivingFrame(host, nil, 1, 3, data, 10)

	frame.AddChunk(ChunkHeader{ID: 1, TotalSize: 30, TotalChunks: 3, ChunkIndex: 0, ChunkSize: 10, Type: TypeInit}, bytesOf('a', 10))
	frame.AddChunk(ChunkHeader{ID: 1, TotalSize: 30, TotalChunks: 3, ChunkIndex: 1, ChunkSize: 10, Type: TypeInit}, bytesOf('b', 10))
	frame.AddChunk(ChunkHeader{ID: 1, TotalSize: 30, TotalChunks: 3, ChunkIndex: 2, ChunkSize: 10, Type: TypeInit}, bytesOf('c', 10))

	assert.Equal(t, StatusReady, frame.Status())
	assert.Equal(t, 1, host.assembledCount())
	assert.Equal(t, 0, host.droppedCount())
	assert.Equal(t, append(append(bytesOf('a', 10), bytesOf('b', 10)...), bytesOf('c', 10)...), host.assembledData[1])
}

func TestReceivingFrameDuplicateChunkIsIdempotent(t *testing.T) {
	host := newFakeHost()
	data := make([]byte, 10)
	frame := newReceivingFrame(host, nil, 1, 1, data, 10)

	frame.AddChunk(ChunkHeader{ID: 1, TotalSize: 10, TotalChunks: 1, ChunkIndex: 0, ChunkSize: 10, Type: TypeInit}, bytesOf('x', 10))
	assert.Equal(t, 1, host.assembledCount())

	// a duplicate after completion must not panic or re-invoke the callback
	frame.AddChunk(ChunkHeader{ID: 1, TotalSize: 10, TotalChunks: 1, ChunkIndex: 0, ChunkSize: 10, Type: TypeResend}, bytesOf('x', 10))
	assert.Equal(t, 1, host.assembledCount())
}

func TestReceivingFrameRequestsResendAfterInitTimeout(t *testing.T) {
	host := newFakeHost()
	data := make([]byte, 20)
	frame := newReceivingFrame(host, nil, 7, 2, data, 10)

	frame.AddChunk(ChunkHeader{ID: 7, TotalSize: 20, TotalChunks: 2, ChunkIndex: 0, ChunkSize: 10, Type: TypeInit}, bytesOf('a', 10))

	assert.Eventually(t, func() bool {
		return host.resendCount() > 0
	}, 500*time.Millisecond, 5*time.Millisecond)

	h := host.resends[0]
	assert.Equal(t, uint32(7), h.ID)
	assert.Equal(t, uint16(1), h.ChunkIndex)
	assert.Equal(t, uint16(2), h.TotalChunks)
}

func TestReceivingFrameDropsAfterFrameDropTimeout(t *testing.T) {
	host := newFakeHost()
	data := make([]byte, 20)
	frame := newReceivingFrame(host, nil, 9, 2, data, 10)

	frame.AddChunk(ChunkHeader{ID: 9, TotalSize: 20, TotalChunks: 2, ChunkIndex: 0, ChunkSize: 10, Type: TypeInit}, bytesOf('a', 10))

	assert.Eventually(t, func() bool {
		return frame.IsTimedOut()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StatusDropped, frame.Status())
	assert.Equal(t, 1, host.droppedCount())
	assert.Equal(t, 0, host.assembledCount())
}

func TestReceivingFrameRecoversFromResend(t *testing.T) {
	host := newFakeHost()
	data := make([]byte, 20)
	frame := newReceivingFrame(host, nil, 11, 2, data, 10)

	frame.AddChunk(ChunkHeader{ID: 11, TotalSize: 20, TotalChunks: 2, ChunkIndex: 0, ChunkSize: 10, Type: TypeInit}, bytesOf('a', 10))
	assert.Eventually(t, func() bool { return host.resendCount() > 0 }, 500*time.Millisecond, 5*time.Millisecond)

	frame.AddChunk(ChunkHeader{ID: 11, TotalSize: 20, TotalChunks: 2, ChunkIndex: 1, ChunkSize: 10, Type: TypeResend}, bytesOf('b', 10))

	assert.Equal(t, StatusReady, frame.Status())
	assert.Equal(t, 1, host.assembledCount())
	assert.Equal(t, 0, host.droppedCount())
}

func TestReceivingFrameRejectsOutOfRangeChunkIndex(t *testing.T) {
	host := newFakeHost()
	data := make([]byte, 10)
	frame := newReceivingFrame(host, nil, 1, 1, data, 10)

	assert.False(t, frame.IsChunkAdded(5))
	frame.AddChunk(ChunkHeader{ID: 1, TotalSize: 10, TotalChunks: 1, ChunkIndex: 5, ChunkSize: 10, Type: TypeInit}, bytesOf('x', 10))
	assert.Equal(t, StatusAssembling, frame.Status())
	assert.Equal(t, 0, host.assembledCount())
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
