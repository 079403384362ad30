package chunkstream

import (
	"sync"
	"time"

	"github.com/getlantern/ema"
)

// receiverMetrics smooths two observations with an exponential moving
// average, the way conn.go/subflow.go's emaRTT field smooths subflow RTT —
// here repurposed from per-subflow round-trip time to per-engine reassembly
// latency and NAK frequency.
type receiverMetrics struct {
	mu              sync.Mutex
	assembleLatency *ema.EMA
	nakInterval     *ema.EMA
	lastNAK         time.Time
}

func newReceiverMetrics() *receiverMetrics {
	return &receiverMetrics{
		assembleLatency: ema.NewDuration(time.Second, 0.2),
		nakInterval:     ema.NewDuration(time.Second, 0.2),
	}
}

func (m *receiverMetrics) observeAssembled(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assembleLatency.UpdateDuration(d)
}

func (m *receiverMetrics) observeNAK() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if !m.lastNAK.IsZero() {
		m.nakInterval.UpdateDuration(now.Sub(m.lastNAK))
	}
	m.lastNAK = now
}

func (m *receiverMetrics) snapshot() ReceiverStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ReceiverStats{
		AvgAssembleLatency: m.assembleLatency.GetDuration(),
		AvgNAKInterval:     m.nakInterval.GetDuration(),
	}
}

// ReceiverStats is a point-in-time snapshot of a Receiver's smoothed
// reassembly diagnostics.
type ReceiverStats struct {
	AvgAssembleLatency time.Duration
	AvgNAKInterval     time.Duration
}

// senderMetrics tracks how often the peer is asking for retransmissions.
type senderMetrics struct {
	mu             sync.Mutex
	resendInterval *ema.EMA
	lastResend     time.Time
}

func newSenderMetrics() *senderMetrics {
	return &senderMetrics{
		resendInterval: ema.NewDuration(time.Second, 0.2),
	}
}

func (m *senderMetrics) observeResend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if !m.lastResend.IsZero() {
		m.resendInterval.UpdateDuration(now.Sub(m.lastResend))
	}
	m.lastResend = now
}

func (m *senderMetrics) snapshot() SenderStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SenderStats{
		AvgResendInterval: m.resendInterval.GetDuration(),
	}
}

// SenderStats is a point-in-time snapshot of a Sender's smoothed
// retransmission diagnostics.
type SenderStats struct {
	AvgResendInterval time.Duration
}
