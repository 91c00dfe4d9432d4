// Package ice tries, in priority order, every path this receiver and the
// host might reach each other by: direct host candidates, server-reflexive
// (STUN-discovered) candidates, and finally a single TURN relay as a last
// resort. This trial handshake (PUNCH/ACK over a raw net.UDPConn) is
// specific to this protocol, unlike STUN/TURN themselves, so it has no
// library equivalent and is hand-written, grounded on the teacher's
// parseICEServers candidate-list handling.
package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/breeze-rmm/receiver/internal/logging"
	"github.com/breeze-rmm/receiver/internal/turnclient"
)

var log = logging.L("ice")

// CandidateType ranks candidates for trial order.
type CandidateType int

const (
	TypeHost CandidateType = iota
	TypeServerReflexive
	TypeRelay
)

// priority mirrors typical ICE priority tiers: host beats server-reflexive
// beats relay.
func (t CandidateType) priority() int {
	switch t {
	case TypeHost:
		return 1000
	case TypeServerReflexive:
		return 500
	case TypeRelay:
		return 100
	default:
		return 0
	}
}

func (t CandidateType) String() string {
	switch t {
	case TypeHost:
		return "host"
	case TypeServerReflexive:
		return "srflx"
	case TypeRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Candidate is one address this agent may try to reach the host through.
type Candidate struct {
	Type CandidateType
	Addr *net.UDPAddr
}

const (
	ackMagic      = "ACK"
	punchMagic    = "PUNCH"
	punchCount    = 10
	punchInterval = 200 * time.Millisecond
	trialTimeout  = 1500 * time.Millisecond
	relayTimeout  = 10 * time.Second
)

// ErrAllCandidatesFailed is returned when every host/srflx candidate and the
// relay fallback were all exhausted. Only this final error is surfaced to
// callers; per-candidate failures are logged at debug/warn level only, so
// the caller-facing UI does not flicker through every intermediate attempt.
var ErrAllCandidatesFailed = errors.New("ice: all candidates failed, including relay fallback")

// Result is the path this agent selected.
type Result struct {
	Candidate Candidate
	Conn      net.PacketConn // ready to use: already punched through, or the TURN relay conn
}

// Agent tries candidates in priority order and falls back to a TURN relay.
type Agent struct {
	turn *turnclient.Client
}

// New constructs an Agent. turnClient may be nil if no TURN server is
// configured, in which case relay fallback is skipped.
func New(turnClient *turnclient.Client) *Agent {
	return &Agent{turn: turnClient}
}

// Connect orders candidates by priority (host, then srflx, then relay) and
// tries each in turn. Host candidates are confirmed with a single "ACK"
// probe; server-reflexive candidates get up to 10 "PUNCH" probes spaced
// 200ms apart since the NAT binding may not yet exist on the first try.
// Each candidate gets trialTimeout total. If every direct candidate fails,
// a single TURN relay allocation is attempted as a last resort.
func (a *Agent) Connect(ctx context.Context, localConn *net.UDPConn, candidates []Candidate) (Result, error) {
	ordered := orderedCandidates(candidates)

	for _, c := range ordered {
		conn, err := tryCandidate(ctx, localConn, c)
		if err != nil {
			log.Debug("candidate failed", "type", c.Type, "addr", c.Addr, "error", err)
			continue
		}
		log.Info("connected via direct candidate", "type", c.Type, "addr", c.Addr)
		return Result{Candidate: c, Conn: conn}, nil
	}

	if a.turn == nil {
		return Result{}, ErrAllCandidatesFailed
	}

	relayCtx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()

	relayConn, err := a.turn.Allocate(relayCtx, nil)
	if err != nil {
		log.Debug("relay fallback failed", "error", err)
		return Result{}, ErrAllCandidatesFailed
	}

	log.Info("connected via relay fallback")
	return Result{Candidate: Candidate{Type: TypeRelay}, Conn: relayConn}, nil
}

func orderedCandidates(candidates []Candidate) []Candidate {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Type.priority() > ordered[j].Type.priority()
	})
	return ordered
}

func tryCandidate(ctx context.Context, conn *net.UDPConn, c Candidate) (net.PacketConn, error) {
	ctx, cancel := context.WithTimeout(ctx, trialTimeout)
	defer cancel()

	switch c.Type {
	case TypeHost:
		return probeOnce(ctx, conn, c.Addr, ackMagic)
	case TypeServerReflexive:
		return probeRepeated(ctx, conn, c.Addr, punchMagic, punchCount, punchInterval)
	default:
		return nil, fmt.Errorf("ice: unsupported direct candidate type %v", c.Type)
	}
}

func probeOnce(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, magic string) (net.PacketConn, error) {
	if _, err := conn.WriteToUDP([]byte(magic), addr); err != nil {
		return nil, err
	}
	if err := waitForReply(ctx, conn, addr); err != nil {
		return nil, err
	}
	return conn, nil
}

func probeRepeated(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, magic string, count int, interval time.Duration) (net.PacketConn, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := conn.WriteToUDP([]byte(magic), addr); err != nil {
		return nil, err
	}

	replyCh := make(chan error, 1)
	go func() { replyCh <- waitForReply(ctx, conn, addr) }()

	sent := 1
	for {
		select {
		case err := <-replyCh:
			if err != nil {
				return nil, err
			}
			return conn, nil
		case <-ticker.C:
			if sent >= count {
				continue
			}
			conn.WriteToUDP([]byte(magic), addr)
			sent++
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitForReply(ctx context.Context, conn *net.UDPConn, expect *net.UDPAddr) error {
	buf := make([]byte, 64)
	for {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(deadline)
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		if from.IP.Equal(expect.IP) && from.Port == expect.Port && n > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
