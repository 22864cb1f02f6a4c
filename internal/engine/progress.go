package engine

import (
	"sync"
	"time"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

const (
	// publishInterval throttles snapshot emission. Terminal states
	// bypass the throttle so the final state is never dropped.
	publishInterval = 100 * time.Millisecond

	// throughputWindow is the number of samples in the rolling rate.
	throughputWindow = 10

	// minThroughputMBps is the floor below which no ETA is reported.
	minThroughputMBps = 0.01

	bytesPerMB = 1 << 20
)

type throughputSample struct {
	at    time.Time
	bytes int64
}

// Progress is a single-writer, multi-reader publisher of SyncState
// snapshots with last-value retention: late subscribers immediately see
// the current state, and a slow subscriber only ever misses intermediate
// snapshots, never the latest one.
type Progress struct {
	mu          sync.Mutex
	state       SyncState
	subs        map[chan SyncState]struct{}
	lastPublish time.Time
	samples     []throughputSample
	now         func() time.Time
}

// NewProgress creates a publisher in the Idle state.
func NewProgress(hashedID account.HashedID) *Progress {
	p := &Progress{
		subs: make(map[chan SyncState]struct{}),
		now:  time.Now,
	}
	p.state = SyncState{
		HashedAccountID: hashedID,
		Status:          StatusIdle,
		Timestamp:       p.now().UTC(),
	}
	return p
}

// Subscribe returns a channel of snapshots primed with the current state.
// The returned cancel function must be called to release the channel.
func (p *Progress) Subscribe() (<-chan SyncState, func()) {
	ch := make(chan SyncState, 1)

	p.mu.Lock()
	p.subs[ch] = struct{}{}
	ch <- p.state
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Latest returns the current snapshot.
func (p *Progress) Latest() SyncState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Update applies mutate to the current state and publishes the result,
// subject to throttling. Completed counters never move backwards.
func (p *Progress) Update(mutate func(*SyncState)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.state
	mutate(&p.state)

	if p.state.CompletedBytes < prev.CompletedBytes {
		p.state.CompletedBytes = prev.CompletedBytes
	}
	if p.state.CompletedFiles < prev.CompletedFiles {
		p.state.CompletedFiles = prev.CompletedFiles
	}

	now := p.now()
	p.state.Timestamp = now.UTC()

	if p.state.CompletedBytes != prev.CompletedBytes || len(p.samples) == 0 {
		p.recordSample(now)
	}
	p.state.ThroughputMBps = p.throughputLocked()
	p.state.ETASeconds = p.etaLocked()

	if !terminal(p.state.Status) && now.Sub(p.lastPublish) < publishInterval {
		return
	}
	p.lastPublish = now
	p.broadcastLocked()
}

// BeginRun zeroes the per-run counters and sample window for a fresh
// sync session. Monotonicity of completed counters holds within a run.
func (p *Progress) BeginRun(status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hashedID := p.state.HashedAccountID
	p.state = SyncState{
		HashedAccountID: hashedID,
		Status:          status,
		Timestamp:       p.now().UTC(),
	}
	p.samples = nil
	p.lastPublish = time.Time{}
	p.broadcastLocked()
}

// SetStatus publishes a status transition with an optional message.
func (p *Progress) SetStatus(status Status, message string) {
	p.Update(func(s *SyncState) {
		s.Status = status
		s.Message = message
	})
}

func terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPaused || s == StatusIdle
}

func (p *Progress) recordSample(now time.Time) {
	p.samples = append(p.samples, throughputSample{at: now, bytes: p.state.CompletedBytes})
	if len(p.samples) > throughputWindow {
		p.samples = p.samples[len(p.samples)-throughputWindow:]
	}
}

// throughputLocked is the rolling rate over the sample window, in MB/s.
func (p *Progress) throughputLocked() float64 {
	if len(p.samples) < 2 {
		return 0
	}
	first, last := p.samples[0], p.samples[len(p.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / bytesPerMB / elapsed
}

func (p *Progress) etaLocked() float64 {
	if p.state.ThroughputMBps < minThroughputMBps {
		return 0
	}
	remaining := p.state.TotalBytes - p.state.CompletedBytes
	if remaining <= 0 {
		return 0
	}
	return float64(remaining) / bytesPerMB / p.state.ThroughputMBps
}

// broadcastLocked delivers the current state to every subscriber without
// blocking: a full subscriber channel has its stale value replaced.
func (p *Progress) broadcastLocked() {
	for ch := range p.subs {
		select {
		case ch <- p.state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p.state:
			default:
			}
		}
	}
}
