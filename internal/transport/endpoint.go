// Package transport provides the non-blocking UDP datagram endpoint used
// for both the client-facing and worker-facing sockets, and the chunking
// helper for payloads above the safe datagram size.
package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arkose-cluster/headctl/internal/protocol"
)

// SafeDatagramPayload is the largest message body sent as a single
// datagram before send falls back to CHUNK framing, chosen to stay well
// under the common 1500-byte Ethernet MTU once IP/UDP headers are
// accounted for.
const SafeDatagramPayload = 1400

// DefaultChunkDataSize is the amount of payload carried per CHUNK fragment.
const DefaultChunkDataSize = 1024

// Datagram pairs a decoded Message with the address it arrived from.
type Datagram struct {
	Message protocol.Message
	Addr    *net.UDPAddr
}

// Endpoint is a non-blocking UDP socket: Recv never blocks longer than the
// timeout passed to it, so the owning event loop can interleave reads
// across multiple endpoints and run periodic maintenance between them.
type Endpoint struct {
	conn *net.UDPConn
}

// Listen opens a UDP socket bound to addr. When reusePort is true, the
// socket is opened with SO_REUSEPORT so multiple controller processes can
// share the same port for horizontal scale-out.
func Listen(addr string, reusePort bool) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}

	if !reusePort {
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
		}
		return &Endpoint{conn: conn}, nil
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen (SO_REUSEPORT) %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("transport: unexpected packet conn type for %s", addr)
	}
	return &Endpoint{conn: conn}, nil
}

// LocalAddr returns the endpoint's bound address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// Recv waits up to timeout for one datagram. It returns ok=false on a
// read timeout, which is the expected, non-error way for the caller's
// event loop to regain control and run maintenance work.
func (e *Endpoint) Recv(timeout time.Duration) (Datagram, bool, error) {
	buf := make([]byte, 65535)

	if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Datagram{}, false, fmt.Errorf("transport: set read deadline: %w", err)
	}

	n, raddr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return Datagram{}, false, nil
		}
		return Datagram{}, false, fmt.Errorf("transport: read: %w", err)
	}

	msg, ok := protocol.Decode(buf[:n])
	if !ok {
		// Malformed datagram: not a protocol error worth propagating, the
		// caller just has nothing to act on this cycle.
		return Datagram{}, false, nil
	}
	return Datagram{Message: msg, Addr: raddr}, true, nil
}

// Send writes msg to addr as a single datagram. Callers are responsible
// for keeping the payload at or under SafeDatagramPayload; use SendChunked
// for larger payloads.
func (e *Endpoint) Send(msg protocol.Message, addr *net.UDPAddr) error {
	_, err := e.conn.WriteToUDP(protocol.Encode(msg), addr)
	if err != nil {
		return fmt.Errorf("transport: write to %s: %w", addr, err)
	}
	return nil
}

// SendChunked splits payload into CHUNK-framed messages of at most
// DefaultChunkDataSize bytes each and sends them individually, so a single
// oversized task or result payload survives in a best-effort network
// without IP-layer fragmentation.
func (e *Endpoint) SendChunked(sequence uint32, payload []byte, addr *net.UDPAddr) error {
	sum := protocol.Checksum(payload)
	parts := protocol.SplitChunks(payload, DefaultChunkDataSize)

	for i, part := range parts {
		body := protocol.EncodeChunkPayload(protocol.ChunkPayload{
			TotalChunks: uint32(len(parts)),
			Index:       uint32(i),
			Checksum:    sum,
			Data:        part,
		})
		msg := protocol.New(protocol.TypeChunk, sequence, body)
		if err := e.Send(msg, addr); err != nil {
			return fmt.Errorf("transport: send chunk %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}
