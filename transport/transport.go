// package transport moves chunks between a client and the reassembler over
// UDP, one chunk per datagram.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pfcm/midistream/mailbox"
	"github.com/pfcm/midistream/reassembly"
)

// DefaultPace is the gap Send leaves between chunks, so the playback loop
// can drain the mailbox.
const DefaultPace = 2 * time.Millisecond

// Handler takes one chunk. *reassembly.Reassembler is one.
type Handler interface {
	Handle(ctx context.Context, chunk []byte) error
}

// Server receives chunks on a UDP socket.
type Server struct {
	conn   net.PacketConn
	h      Handler
	logger *log.Logger
}

// ListenUDP binds addr. Call Serve to start handling chunks.
func ListenUDP(ctx context.Context, addr string, h Handler, logger *log.Logger) (*Server, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{conn: conn, h: h, logger: logger.WithPrefix("transport")}, nil
}

// Addr is the bound address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Serve hands every datagram to the handler until ctx is done. Rejected
// chunks are logged and otherwise ignored.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()
	defer s.conn.Close()
	s.logger.Info("listening", "addr", s.Addr())

	// one spare byte so oversized datagrams are seen as such.
	buf := make([]byte, reassembly.ChunkSize+1)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading chunk: %w", err)
		}
		if err := s.h.Handle(ctx, buf[:n]); err != nil {
			s.logger.Warn("chunk rejected", "from", from, "len", n, "err", err)
		}
	}
}

// Listen binds addr and serves until ctx is done.
func Listen(ctx context.Context, addr string, h Handler, logger *log.Logger) error {
	s, err := ListenUDP(ctx, addr, h, logger)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// ErrStreamTooShort is returned for streams that cannot fill one chunk.
var ErrStreamTooShort = errors.New("stream too short to send")

// minPayload is the smallest payload a chunk may carry.
const minPayload = 2

// Chunks splits a stream into a Start chunk followed by Continue chunks.
// Every chunk but the last carries a full stride, except that the last one
// is never left with less than the minimum payload.
func Chunks(stream []byte) ([][]byte, error) {
	if len(stream) < minPayload {
		return nil, fmt.Errorf("%d bytes: %w", len(stream), ErrStreamTooShort)
	}
	var chunks [][]byte
	flag, op := byte(reassembly.FlagStart), mailbox.OpStart
	for len(stream) > 0 {
		n := min(len(stream), reassembly.Stride)
		if rest := len(stream) - n; rest > 0 && rest < minPayload {
			n -= minPayload - rest
		}
		chunks = append(chunks, append([]byte{flag, byte(op)}, stream[:n]...))
		stream = stream[n:]
		flag, op = reassembly.FlagContinue, mailbox.OpAppend
	}
	return chunks, nil
}

// StopChunk asks playback to stop.
func StopChunk() []byte {
	return []byte{0x00, byte(mailbox.OpStop), 0x00, 0x00}
}

// EventChunk carries a few delta-time prefixed events to be played at once.
func EventChunk(events []byte) ([]byte, error) {
	if len(events) < minPayload || len(events) > mailbox.InlineSize {
		return nil, fmt.Errorf("inline payload of %d bytes, want %d to %d", len(events), minPayload, mailbox.InlineSize)
	}
	return append([]byte{0x00, byte(mailbox.OpStart)}, events...), nil
}

// Send writes the chunks of stream to w, pausing pace between them.
func Send(ctx context.Context, w io.Writer, stream []byte, pace time.Duration) error {
	chunks, err := Chunks(stream)
	if err != nil {
		return err
	}
	for i, c := range chunks {
		if i > 0 && pace > 0 {
			t := time.NewTimer(pace)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if _, err := w.Write(c); err != nil {
			return fmt.Errorf("sending chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}
