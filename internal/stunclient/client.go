// Package stunclient discovers this host's server-reflexive (public)
// endpoint by querying a pool of STUN servers, using pion/stun/v3 for the
// RFC 5389 message encode/decode rather than hand-rolling the wire format.
package stunclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/breeze-rmm/receiver/internal/logging"
)

var log = logging.L("stunclient")

// ErrAllServersFailed is returned when every server in the pool failed to
// answer within its timeout.
var ErrAllServersFailed = errors.New("stunclient: all servers failed")

// PerServerTimeout bounds how long a single Binding Request/Response
// exchange is allowed to take before moving to the next server in the pool.
const PerServerTimeout = 5 * time.Second

// Result is the resolved public endpoint.
type Result struct {
	PublicIP   net.IP
	PublicPort int
	NATType    string // always "Unknown": NAT-type classification is out of scope
	Server     string // which pool entry answered
}

// Discover tries each server in servers, in order, returning the first
// successful Binding Request/Response result. Each attempt gets its own
// PerServerTimeout; a server that times out or errors is skipped.
func Discover(ctx context.Context, servers []string) (Result, error) {
	if len(servers) == 0 {
		return Result{}, errors.New("stunclient: no servers configured")
	}

	for _, addr := range servers {
		res, err := queryOne(ctx, addr)
		if err != nil {
			log.Warn("stun server failed", "server", addr, "error", err)
			continue
		}
		log.Info("stun resolved public endpoint", "server", addr, "ip", res.PublicIP, "port", res.PublicPort)
		return res, nil
	}

	return Result{}, ErrAllServersFailed
}

func queryOne(ctx context.Context, addr string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, PerServerTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := stun.NewClient(conn)
	if err != nil {
		return Result{}, fmt.Errorf("new stun client: %w", err)
	}
	defer client.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return Result{}, fmt.Errorf("build binding request: %w", err)
	}

	type outcome struct {
		xorAddr stun.XORMappedAddress
		err     error
	}
	done := make(chan outcome, 1)

	err = client.Start(msg, func(ev stun.Event) {
		if ev.Error != nil {
			done <- outcome{err: ev.Error}
			return
		}
		var xorAddr stun.XORMappedAddress
		if getErr := xorAddr.GetFrom(ev.Message); getErr != nil {
			done <- outcome{err: getErr}
			return
		}
		done <- outcome{xorAddr: xorAddr}
	})
	if err != nil {
		return Result{}, fmt.Errorf("start binding transaction: %w", err)
	}

	select {
	case o := <-done:
		if o.err != nil {
			return Result{}, o.err
		}
		return Result{
			PublicIP:   o.xorAddr.IP,
			PublicPort: o.xorAddr.Port,
			NATType:    "Unknown",
			Server:     addr,
		}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
