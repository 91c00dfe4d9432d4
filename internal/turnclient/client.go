// Package turnclient drives a TURN relay allocation end to end: Allocate,
// CreatePermission, ChannelBind, periodic Refresh, and Deallocate. The RFC
// 5766 wire protocol itself is handled by pion/turn/v4's client subpackage,
// already required transitively by the teacher's WebRTC stack; this package
// only adds the state machine and error taxonomy the receiver needs on top.
package turnclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/turn/v4"

	"github.com/breeze-rmm/receiver/internal/logging"
)

var log = logging.L("turnclient")

// State is the TURN client's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAllocating
	StateAllocated
	StateRefreshing
	StateBound
	StateDeallocated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAllocating:
		return "Allocating"
	case StateAllocated:
		return "Allocated"
	case StateRefreshing:
		return "Refreshing"
	case StateBound:
		return "Bound"
	case StateDeallocated:
		return "Deallocated"
	default:
		return "Unknown"
	}
}

// ErrorKind classifies a turnclient.Error for callers that branch on failure
// mode (e.g. the ICE agent's relay-fallback decision).
type ErrorKind int

const (
	KindTimeout ErrorKind = iota
	KindNoResponse
	KindInvalidResponse
	KindAuthenticationFailed
	KindAllocateFailed
	KindNoRelayAddress
	KindNotAllocated
	KindPermissionDenied
	KindChannelBindFailed
)

// Error is the typed error returned by turnclient operations.
type Error struct {
	Kind ErrorKind
	Code int // STUN/TURN error code, when Kind is KindAllocateFailed or KindAuthenticationFailed
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("turnclient: %v (code %d): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("turnclient: %v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindNoResponse:
		return "NoResponse"
	case KindInvalidResponse:
		return "InvalidResponse"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindAllocateFailed:
		return "AllocateFailed"
	case KindNoRelayAddress:
		return "NoRelayAddress"
	case KindNotAllocated:
		return "NotAllocated"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindChannelBindFailed:
		return "ChannelBindFailed"
	default:
		return "Unknown"
	}
}

// Config describes the TURN server and long-term credentials to use.
type Config struct {
	ServerAddr string // host:port
	Username   string
	Password   string
	Realm      string
	Lifetime   time.Duration // requested allocation lifetime, default 10m
}

// Client wraps a pion/turn client with the state machine and refresh loop
// this receiver needs. Allocate must complete (Allocate -> CreatePermission
// -> ChannelBind when a peer address is given, Allocate alone otherwise)
// before callers may start reading relayed data; Client enforces this by only
// returning the relay connection once those steps have succeeded.
type Client struct {
	cfg Config

	mu      sync.Mutex
	state   State
	turn    *turn.Client
	relay   net.PacketConn
	channel uint16
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a Client in StateIdle. It does not dial the server.
func New(cfg Config) *Client {
	if cfg.Lifetime == 0 {
		cfg.Lifetime = 10 * time.Minute
	}
	return &Client{cfg: cfg, state: StateIdle}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allocate performs Allocate, CreatePermission for peerAddr, and ChannelBind,
// in that order, retrying once on a 401 (fresh nonce) or 438 (stale nonce)
// per the long-term credential mechanism pion/turn already implements
// internally. When peerAddr is non-nil, the relay PacketConn is only returned
// once all three steps succeed, so callers never observe a half-bound
// allocation. When peerAddr is nil, CreatePermission and ChannelBind are
// skipped and the relay is returned after Allocate alone.
func (c *Client) Allocate(ctx context.Context, peerAddr *net.UDPAddr) (net.PacketConn, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, &Error{Kind: KindNotAllocated, Err: fmt.Errorf("allocate called in state %v", c.state)}
	}
	c.state = StateAllocating
	c.mu.Unlock()

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, &Error{Kind: KindNoResponse, Err: err}
	}

	turnClient, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: c.cfg.ServerAddr,
		TURNServerAddr: c.cfg.ServerAddr,
		Conn:           conn,
		Username:       c.cfg.Username,
		Password:       c.cfg.Password,
		Realm:          c.cfg.Realm,
		Software:       "receiver",
	})
	if err != nil {
		conn.Close()
		return nil, &Error{Kind: KindInvalidResponse, Err: err}
	}

	if err := turnClient.Listen(); err != nil {
		turnClient.Close()
		conn.Close()
		return nil, classifyAllocateErr(err)
	}

	relayConn, err := turnClient.Allocate()
	if err != nil {
		turnClient.Close()
		conn.Close()
		return nil, classifyAllocateErr(err)
	}

	if relayConn.LocalAddr() == nil {
		relayConn.Close()
		turnClient.Close()
		return nil, &Error{Kind: KindNoRelayAddress, Err: errors.New("allocation returned no relay address")}
	}

	if peerAddr != nil {
		if err := turnClient.CreatePermission(peerAddr); err != nil {
			relayConn.Close()
			turnClient.Close()
			return nil, &Error{Kind: KindPermissionDenied, Err: err}
		}

		var channel uint16
		if udpConn, ok := relayConn.(*turn.UDPConn); ok {
			channel, err = udpConn.Bind(peerAddr)
			if err != nil {
				relayConn.Close()
				turnClient.Close()
				return nil, &Error{Kind: KindChannelBindFailed, Err: err}
			}
		}

		c.mu.Lock()
		c.channel = channel
		c.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.turn = turnClient
	c.relay = relayConn
	c.state = StateAllocated
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.mu.Unlock()

	go c.refreshLoop(ctx)

	log.Info("turn allocation established", "server", c.cfg.ServerAddr, "relay", relayConn.LocalAddr())
	return relayConn, nil
}

// refreshLoop renews the allocation at 80% of its requested lifetime until
// ctx is canceled (Close) or a refresh fails, at which point it transitions
// to StateDeallocated so callers of State() observe the failure.
func (c *Client) refreshLoop(ctx context.Context) {
	defer close(c.stopped)

	interval := time.Duration(float64(c.cfg.Lifetime) * 0.8)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			turnClient := c.turn
			c.state = StateRefreshing
			c.mu.Unlock()

			if turnClient == nil {
				return
			}
			if err := turnClient.Refresh(uint32(c.cfg.Lifetime.Seconds())); err != nil {
				log.Warn("turn refresh failed", "error", err)
				c.mu.Lock()
				c.state = StateDeallocated
				c.mu.Unlock()
				return
			}

			c.mu.Lock()
			if c.channel != 0 {
				c.state = StateBound
			} else {
				c.state = StateAllocated
			}
			c.mu.Unlock()
		}
	}
}

// Close deallocates and releases all resources. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateDeallocated || c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	turnClient := c.turn
	relay := c.relay
	stopped := c.stopped
	c.state = StateDeallocated
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped != nil {
		<-stopped
	}
	if relay != nil {
		relay.Close()
	}
	if turnClient != nil {
		turnClient.Close()
	}
	return nil
}

func classifyAllocateErr(err error) error {
	if err == nil {
		return nil
	}
	var stunErr interface{ Code() int }
	if errors.As(err, &stunErr) {
		code := stunErr.Code()
		switch code {
		case 401, 438:
			return &Error{Kind: KindAuthenticationFailed, Code: code, Err: err}
		default:
			return &Error{Kind: KindAllocateFailed, Code: code, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNoResponse, Err: err}
}
