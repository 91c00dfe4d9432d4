// Package assembler is the heart of the receiver's transport: it reassembles
// fragmented UDP packets back into frames, drops fragments that arrive too
// late to be useful, tracks per-frame timeouts, and requests a key frame
// from the host once too many frames in a row fail to complete.
//
// Grounded on the teacher's pool.go (buffer reuse) and stream_metrics.go
// (mutex-protected counters, atomic-style bookkeeping) for the concurrency
// idiom; the reassembly algorithm itself is specific to this protocol.
package assembler

import (
	"sync"
	"time"

	"github.com/breeze-rmm/receiver/internal/logging"
	"github.com/breeze-rmm/receiver/internal/wire"
)

var log = logging.L("assembler")

// Thresholds bundles the timing knobs the assembler needs, so a direct
// connection and a relayed (TURN) connection can use different tolerances
// without the assembler knowing why.
type Thresholds struct {
	// AgeLimit is how far behind the latest completed frame a fragment's
	// frame may be before it's considered stale and dropped on arrival.
	AgeLimit time.Duration
	// EntryTimeout is how long an incomplete frame is held waiting for its
	// remaining fragments before being abandoned.
	EntryTimeout time.Duration
	// KeyFrameHold extends EntryTimeout for key-frame entries during
	// cleanup, since losing one stalls the whole decode pipeline.
	KeyFrameHold time.Duration
	// ConsecutiveTimeoutLimit is how many abandoned-in-a-row frames trigger
	// a key-frame request to the host.
	ConsecutiveTimeoutLimit int
}

// DirectThresholds matches a direct (non-relayed) UDP path.
func DirectThresholds() Thresholds {
	return Thresholds{
		AgeLimit:                200 * time.Millisecond,
		EntryTimeout:            200 * time.Millisecond,
		KeyFrameHold:            5 * time.Second,
		ConsecutiveTimeoutLimit: 5,
	}
}

// RelayedThresholds matches a TURN-relayed path, which tolerates more jitter.
func RelayedThresholds() Thresholds {
	return Thresholds{
		AgeLimit:                500 * time.Millisecond,
		EntryTimeout:            2 * time.Second,
		KeyFrameHold:            5 * time.Second,
		ConsecutiveTimeoutLimit: 5,
	}
}

type frameEntry struct {
	packetType byte
	fragments  map[uint32][]byte
	total      uint32
	received   int
	firstSeen  time.Time
	isKeyFrame bool // exempt from the age check on arrival, held longer on cleanup
}

func (e *frameEntry) complete() bool {
	return e.total > 0 && uint32(e.received) == e.total
}

func (e *frameEntry) assemble() []byte {
	out := make([]byte, 0, e.total*1024)
	for i := uint32(0); i < e.total; i++ {
		out = append(out, e.fragments[i]...)
	}
	return out
}

// Assembler reassembles fragments into complete frames and reports them, in
// arrival-completion order, via the Complete callback.
type Assembler struct {
	mu sync.Mutex

	thresholds         Thresholds
	pending            map[uint64]*frameEntry // keyed by TimestampNs
	latestDone         uint64
	keyFrameInProgress bool

	consecutiveTimeouts int

	onComplete        func(packetType byte, timestampNs uint64, payload []byte)
	onKeyFrameRequest func()
}

// New constructs an Assembler. onComplete is invoked synchronously from
// whichever goroutine calls Accept/Sweep when a frame finishes; callers that
// need to do expensive work (e.g. decrypt, decode) should hand off to
// another goroutine rather than block the caller.
func New(thresholds Thresholds, onComplete func(packetType byte, timestampNs uint64, payload []byte), onKeyFrameRequest func()) *Assembler {
	return &Assembler{
		thresholds:        thresholds,
		pending:           make(map[uint64]*frameEntry),
		onComplete:        onComplete,
		onKeyFrameRequest: onKeyFrameRequest,
	}
}

// Accept feeds one decoded packet into the assembler. Single-fragment
// packets (TotalFragments <= 1) take a fast path straight to completion.
func (a *Assembler) Accept(p wire.Packet) {
	a.mu.Lock()
	defer a.mu.Unlock()

	frameID := p.Header.TimestampNs
	_, hasEntry := a.pending[frameID]

	if a.isStale(p, frameID, hasEntry) {
		log.Debug("dropping stale fragment", "frame_id", frameID, "latest", a.latestDone)
		return
	}

	total := p.Header.TotalFragments
	if total <= 1 {
		a.deliver(p.Header.Type, frameID, append([]byte(nil), p.Payload...))
		return
	}

	entry, ok := a.pending[frameID]
	if !ok {
		entry = &frameEntry{
			packetType: p.Header.Type,
			fragments:  make(map[uint32][]byte, total),
			total:      total,
			firstSeen:  time.Now(),
			isKeyFrame: p.IsKeyFrame(),
		}
		a.pending[frameID] = entry

		if entry.isKeyFrame {
			a.keyFrameInProgress = true
		}
	}

	if _, dup := entry.fragments[p.Header.FragmentIndex]; !dup {
		entry.fragments[p.Header.FragmentIndex] = append([]byte(nil), p.Payload...)
		entry.received++
	}

	if entry.complete() {
		delete(a.pending, frameID)
		data := entry.assemble()
		if entry.isKeyFrame {
			a.keyFrameInProgress = false
		}
		a.consecutiveTimeouts = 0
		a.deliver(entry.packetType, frameID, data)
	}
}

// isStale reports whether p's fragment is too far behind the last completed
// frame to be worth reassembling. Three things exempt a fragment from the
// age check regardless of how old it is (spec §4.6): a parameter set
// (VPS/SPS/PPS, needed to initialize the decoder), a key-frame fragment, and
// a fragment for a timestamp that already has an assembly entry in flight
// (a late fragment of an in-progress frame, not a stale one).
func (a *Assembler) isStale(p wire.Packet, frameID uint64, hasEntry bool) bool {
	if p.IsParameterSet() || p.IsKeyFrame() || hasEntry {
		return false
	}
	if frameID >= a.latestDone {
		return false
	}
	age := time.Duration(a.latestDone-frameID) * time.Nanosecond
	return age > a.thresholds.AgeLimit
}

// deliver reports a completed frame and advances latestDone. latestDone only
// moves forward while no key-frame assembly is in progress, so a fresh
// P-frame can never invalidate a partially received key frame (spec §4.6
// "Latest-frame tracking", invariant 3).
func (a *Assembler) deliver(packetType byte, frameID uint64, data []byte) {
	if frameID > a.latestDone && !a.keyFrameInProgress {
		a.latestDone = frameID
	}
	if a.onComplete != nil {
		a.onComplete(packetType, frameID, data)
	}
}

// Sweep abandons any pending entry that has exceeded its timeout. Call this
// periodically (e.g. every 50ms) from the session's receive loop. Returns
// the number of entries abandoned.
func (a *Assembler) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	abandoned := 0

	for id, entry := range a.pending {
		limit := a.thresholds.EntryTimeout
		if entry.isKeyFrame {
			limit = a.thresholds.KeyFrameHold
		}
		if now.Sub(entry.firstSeen) < limit {
			continue
		}

		delete(a.pending, id)
		abandoned++
		if entry.isKeyFrame {
			a.keyFrameInProgress = false
		}

		a.consecutiveTimeouts++
		log.Warn("frame abandoned after timeout", "frame_id", id, "received", entry.received, "total", entry.total, "consecutive_timeouts", a.consecutiveTimeouts)

		if a.consecutiveTimeouts >= a.thresholds.ConsecutiveTimeoutLimit {
			a.consecutiveTimeouts = 0
			if a.onKeyFrameRequest != nil {
				a.onKeyFrameRequest()
			}
		}
	}

	return abandoned
}

// PendingCount reports how many frames are currently mid-assembly, for
// diagnostics and tests.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
