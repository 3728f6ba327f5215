// Package multicast reads an MPEG-2 TS stream from a UDP multicast group and
// hands each datagram to a caller-supplied frame handler.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/time/rate"
)

const maxDatagram = 64 * 1024

// ErrNoMulticast is returned when no packet was received before WaitTimeout
// elapsed — the caller treats this as a clean, non-error shutdown per
// spec.md §6 ("Exit 0 ... including no-multicast timeout").
var ErrNoMulticast = errors.New("multicast: no packet received before wait timeout")

// Config configures a multicast listen session.
type Config struct {
	Addr          string        // multicast group address, e.g. "239.1.1.1"
	Port          int
	WaitTimeout   time.Duration // time to wait for the first packet
	SessionLength time.Duration // total monitoring duration from join
}

// Run joins the multicast group described by cfg and invokes handle once per
// received datagram until ctx is cancelled, cfg.SessionLength elapses since
// the join, or no packet arrives within cfg.WaitTimeout. Read errors after a
// first packet was seen are logged (rate-limited) and otherwise tolerated;
// handle must not retain the byte slice past the call.
func Run(ctx context.Context, cfg Config, handle func(data []byte, arrival time.Time)) error {
	addr := &net.UDPAddr{IP: net.ParseIP(cfg.Addr), Port: cfg.Port}
	conn, err := net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("multicast: listen %s:%d: %w", cfg.Addr, cfg.Port, err)
	}
	defer conn.Close()

	buf := make([]byte, maxDatagram)
	limiter := rate.NewLimiter(rate.Every(time.Second), 5)

	start := time.Now()
	firstPacket := true

	// pollInterval bounds how long a single read blocks once the stream is
	// flowing, so ctx cancellation is noticed promptly without busy-looping.
	const pollInterval = time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		readDeadline := cfg.WaitTimeout
		if !firstPacket {
			readDeadline = pollInterval
		}
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("multicast: set read deadline: %w", err)
		}

		n, _, err := conn.ReadFromUDP(buf)
		arrival := time.Now()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if firstPacket {
					return ErrNoMulticast
				}
				if arrival.Sub(start) > cfg.SessionLength {
					return nil
				}
				continue
			}
			if limiter.Allow() {
				log.Printf("multicast: read error: %v", err)
			}
			continue
		}

		if firstPacket {
			firstPacket = false
			log.Printf("multicast: join_time=%s", arrival.Sub(start).Round(time.Millisecond))
		}
		if arrival.Sub(start) > cfg.SessionLength {
			return nil
		}

		handle(buf[:n], arrival)
	}
}
