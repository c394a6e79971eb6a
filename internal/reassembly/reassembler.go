// Package reassembly reconstructs a CHUNK-framed payload from the datagrams
// carrying it, verifying the sender's checksum once every chunk has
// arrived.
package reassembly

import (
	"bytes"
	"sync"
	"time"

	"github.com/arkose-cluster/headctl/internal/protocol"
)

// DefaultStaleAfter is how long a partially-received sequence is kept
// before being discarded as abandoned.
const DefaultStaleAfter = 30 * time.Second

// inFlight is the reassembly state for one sequence number.
type inFlight struct {
	total     uint32
	checksum  uint32
	chunks    map[uint32][]byte
	size      int
	firstSeen time.Time
}

// Result is a completed, checksum-verified reassembly.
type Result struct {
	Sequence uint32
	Data     []byte
}

// Assembler is the thread-safe per-sequence chunk table described in §4.E.
type Assembler struct {
	mu        sync.Mutex
	sequences map[uint32]*inFlight
	staleAfter time.Duration
	now       func() time.Time
}

// New creates an empty Assembler. A zero staleAfter falls back to
// DefaultStaleAfter.
func New(staleAfter time.Duration) *Assembler {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Assembler{
		sequences:  make(map[uint32]*inFlight),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Ingest records one CHUNK payload. It returns (Result, true) the moment
// every chunk for sequence has arrived and the reassembled payload's CRC-32
// matches the checksum carried in each chunk header. A checksum mismatch
// discards the whole sequence rather than returning a corrupt result, as
// does a later chunk disagreeing with the first on total_chunks or
// checksum, or repeating an index with different bytes. Re-ingesting an
// index with identical bytes is idempotent.
func (a *Assembler) Ingest(sequence uint32, chunk protocol.ChunkPayload) (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.sequences[sequence]
	if !ok {
		f = &inFlight{
			total:     chunk.TotalChunks,
			checksum:  chunk.Checksum,
			chunks:    make(map[uint32][]byte, chunk.TotalChunks),
			firstSeen: a.now(),
		}
		a.sequences[sequence] = f
	} else if chunk.TotalChunks != f.total || chunk.Checksum != f.checksum {
		delete(a.sequences, sequence)
		return Result{}, false
	}

	if existing, dup := f.chunks[chunk.Index]; dup {
		if !bytes.Equal(existing, chunk.Data) {
			delete(a.sequences, sequence)
			return Result{}, false
		}
	} else {
		f.chunks[chunk.Index] = chunk.Data
		f.size += len(chunk.Data)
	}

	if uint32(len(f.chunks)) < f.total {
		return Result{}, false
	}

	data := make([]byte, 0, f.size)
	for i := uint32(0); i < f.total; i++ {
		part, ok := f.chunks[i]
		if !ok {
			// Total reached but an index is missing: indices were not
			// contiguous from 0. Treat as still incomplete.
			return Result{}, false
		}
		data = append(data, part...)
	}

	delete(a.sequences, sequence)

	if protocol.Checksum(data) != f.checksum {
		return Result{}, false
	}
	return Result{Sequence: sequence, Data: data}, true
}

// SweepStale discards sequences that have received at least one chunk but
// not completed within staleAfter, and returns how many were discarded.
func (a *Assembler) SweepStale() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	removed := 0
	for seq, f := range a.sequences {
		if now.Sub(f.firstSeen) >= a.staleAfter {
			delete(a.sequences, seq)
			removed++
		}
	}
	return removed
}

// Pending reports how many sequences are currently mid-assembly.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sequences)
}
