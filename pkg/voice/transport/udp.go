package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

const (
	discoveryLen       = 74
	discoveryRequest   = 0x1
	discoveryResponse  = 0x2
	discoveryRetry     = time.Second
	discoveryFallback  = 5 * time.Second
	discoveryAddrStart = 8
	discoveryAddrEnd   = 72
)

// discoverIP asks the voice server which public address our UDP socket
// appears to come from. The request is resent every second until ctx's
// deadline (or a short fallback when ctx has none).
func discoverIP(ctx context.Context, udp *net.UDPConn, ssrc uint32) (netip.AddrPort, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(discoveryFallback)
	}
	defer udp.SetReadDeadline(time.Time{})

	req := make([]byte, discoveryLen)
	binary.BigEndian.PutUint16(req[0:], discoveryRequest)
	binary.BigEndian.PutUint16(req[2:], discoveryLen-4)
	binary.BigEndian.PutUint32(req[4:], ssrc)

	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return netip.AddrPort{}, fmt.Errorf("transport: ip discovery: %w", err)
		}
		if _, err := udp.Write(req); err != nil {
			return netip.AddrPort{}, fmt.Errorf("transport: ip discovery write: %w", err)
		}

		try := time.Now().Add(discoveryRetry)
		if try.After(deadline) {
			try = deadline
		}
		udp.SetReadDeadline(try)

		n, err := udp.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && time.Now().Before(deadline) {
				continue
			}
			return netip.AddrPort{}, fmt.Errorf("transport: ip discovery read: %w", err)
		}
		if n < discoveryLen || binary.BigEndian.Uint16(buf[0:]) != discoveryResponse {
			continue
		}
		return parseDiscovery(buf[:n])
	}
}

func parseDiscovery(b []byte) (netip.AddrPort, error) {
	raw := b[discoveryAddrStart:discoveryAddrEnd]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	addr, err := netip.ParseAddr(string(raw))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("transport: ip discovery address %q: %w", raw, err)
	}
	port := binary.BigEndian.Uint16(b[discoveryAddrEnd:])
	return netip.AddrPortFrom(addr, port), nil
}
