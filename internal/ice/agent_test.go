package ice

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestOrderedCandidatesPrioritizesHostOverSrflxOverRelay(t *testing.T) {
	candidates := []Candidate{
		{Type: TypeRelay},
		{Type: TypeServerReflexive},
		{Type: TypeHost},
	}
	ordered := orderedCandidates(candidates)
	if ordered[0].Type != TypeHost || ordered[1].Type != TypeServerReflexive || ordered[2].Type != TypeRelay {
		t.Fatalf("unexpected order: %+v", ordered)
	}
}

func TestConnectSucceedsOnHostCandidate(t *testing.T) {
	local, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	defer local.Close()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	defer peer.Close()

	go func() {
		buf := make([]byte, 64)
		n, from, err := peer.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) == ackMagic {
			peer.WriteToUDP([]byte(ackMagic), from)
		}
	}()

	agent := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := agent.Connect(ctx, local, []Candidate{{Type: TypeHost, Addr: peer.LocalAddr().(*net.UDPAddr)}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if result.Candidate.Type != TypeHost {
		t.Fatalf("expected host candidate to win, got %v", result.Candidate.Type)
	}
}

func TestConnectAllCandidatesFailedWithoutTurn(t *testing.T) {
	local, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	defer local.Close()

	deadEnd := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	agent := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = agent.Connect(ctx, local, []Candidate{{Type: TypeHost, Addr: deadEnd}})
	if err != ErrAllCandidatesFailed {
		t.Fatalf("expected ErrAllCandidatesFailed, got %v", err)
	}
}
