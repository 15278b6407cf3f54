// package reassembly rebuilds streams sent as fixed size chunks and posts a
// work item to the playback mailbox for every chunk it accepts.
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pfcm/midistream/internal/buffer"
	"github.com/pfcm/midistream/internal/retry"
	"github.com/pfcm/midistream/mailbox"
)

const (
	// ChunkSize is the largest chunk a transport delivers.
	ChunkSize = 512
	// HeaderSize is the flag and opcode bytes in front of every payload.
	HeaderSize = 2
	// Stride is the payload size of a full chunk.
	Stride = ChunkSize - HeaderSize

	minChunk = HeaderSize + 2
)

// Flags in the first byte of a chunk. Any other flag marks an inline event.
const (
	FlagStart    = 0x20
	FlagContinue = 0x10
)

// ErrMalformed is returned for chunks that are too short or too long, and for
// chunks that make no sense in the current state.
var ErrMalformed = errors.New("malformed chunk")

// Writer stores payload bytes. *buffer.Arena is the usual one.
type Writer interface {
	WriteAt(p []byte, off int) error
}

// Poster hands work items to the playback loop without blocking.
type Poster interface {
	TrySend(mailbox.Item) mailbox.Result
}

// Stats counts chunks.
type Stats struct {
	Accepted, Rejected, Dropped uint64
}

// Reassembler is the ingestion side of playback. Handle must only be called
// from one goroutine at a time; Stats may be called from anywhere.
type Reassembler struct {
	w       Writer
	post    Poster
	logger  *log.Logger
	restart retry.Policy

	started bool
	cursor  int
	index   int

	accepted, rejected, dropped atomic.Uint64
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithLogger sets where dropped items and rejected chunks are reported.
func WithLogger(l *log.Logger) Option {
	return func(r *Reassembler) { r.logger = l }
}

// WithRestartPolicy sets how long a Start chunk waits for playback of the
// previous stream to let go of the buffer.
func WithRestartPolicy(p retry.Policy) Option {
	return func(r *Reassembler) { r.restart = p }
}

// DefaultRestartPolicy waits up to 50ms.
var DefaultRestartPolicy = retry.Policy{
	Attempts: 50,
	Delay:    time.Millisecond,
	Retryable: func(err error) bool {
		return errors.Is(err, buffer.ErrRegionClaimed)
	},
}

// New returns a Reassembler writing into w and posting to post.
func New(w Writer, post Poster, opts ...Option) *Reassembler {
	r := &Reassembler{w: w, post: post, restart: DefaultRestartPolicy}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	r.logger = r.logger.WithPrefix("reassembly")
	return r
}

// Handle ingests one chunk.
//
// A Start chunk begins a new stream at offset 0 and a Continue chunk appends
// to it; both post a control item carrying the payload length. Anything else
// is an inline event, posted with its payload.
//
// If the previous stream is still playing, a Start chunk posts a Stop and
// waits, within the restart policy, for playback to release the buffer.
func (r *Reassembler) Handle(ctx context.Context, chunk []byte) error {
	if err := r.handle(ctx, chunk); err != nil {
		r.rejected.Add(1)
		r.logger.Debug("rejected chunk", "len", len(chunk), "err", err)
		return err
	}
	r.accepted.Add(1)
	return nil
}

func (r *Reassembler) handle(ctx context.Context, chunk []byte) error {
	if len(chunk) < minChunk || len(chunk) > ChunkSize {
		return fmt.Errorf("chunk of %d bytes: %w", len(chunk), ErrMalformed)
	}
	flag, op, payload := chunk[0], mailbox.Opcode(chunk[1]), chunk[HeaderSize:]

	var item mailbox.Item
	switch flag {
	case FlagStart:
		err := r.w.WriteAt(payload, 0)
		if errors.Is(err, buffer.ErrRegionClaimed) {
			r.logger.Info("new stream while playing, stopping playback")
			r.send(mailbox.Control(mailbox.OpStop, 0))
			err = r.restart.Do(ctx, func() error { return r.w.WriteAt(payload, 0) })
		}
		if err != nil {
			return fmt.Errorf("start chunk: %w", err)
		}
		r.started = true
		r.cursor = len(payload)
		r.index = 1
		item = mailbox.Control(op, len(payload))
	case FlagContinue:
		if !r.started {
			return fmt.Errorf("continue chunk before start: %w", ErrMalformed)
		}
		if err := r.w.WriteAt(payload, r.cursor); err != nil {
			return fmt.Errorf("chunk %d at offset %d: %w", r.index, r.cursor, err)
		}
		r.cursor += len(payload)
		r.index++
		item = mailbox.Control(op, len(payload))
	default:
		var err error
		if item, err = mailbox.Inline(op, payload); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}

	r.send(item)
	return nil
}

func (r *Reassembler) send(item mailbox.Item) {
	if r.post.TrySend(item) == mailbox.Dropped {
		r.dropped.Add(1)
		r.logger.Warn("mailbox full, dropped item", "item", item)
	}
}

// Cursor is the offset the next Continue chunk will be written at.
func (r *Reassembler) Cursor() int { return r.cursor }

// Stats returns the chunk counters.
func (r *Reassembler) Stats() Stats {
	return Stats{
		Accepted: r.accepted.Load(),
		Rejected: r.rejected.Load(),
		Dropped:  r.dropped.Load(),
	}
}
