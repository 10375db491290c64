package call

import "github.com/mvankuijk/parlo/internal/proto"

// CandidateBuffer holds connectivity candidates that arrive before the remote
// session description they depend on has been applied. Once MarkReady is
// called the buffered batch is handed out exactly once, in arrival order, and
// the buffer switches to pass-through: Enqueue refuses further candidates so
// they are applied immediately instead.
//
// Not safe for concurrent use — owned by the session's event loop.
type CandidateBuffer struct {
	pending []proto.Candidate
	ready   bool
}

// Ready reports whether candidates can be applied directly.
func (b *CandidateBuffer) Ready() bool { return b.ready }

// Enqueue appends c and returns true if the buffer is still collecting.
// After MarkReady it returns false and the caller must apply c itself.
func (b *CandidateBuffer) Enqueue(c proto.Candidate) bool {
	if b.ready {
		return false
	}
	b.pending = append(b.pending, c)
	return true
}

// MarkReady flips the buffer into pass-through mode and returns the buffered
// candidates as one ordered batch. Subsequent calls return nil — each
// candidate is delivered at most once.
func (b *CandidateBuffer) MarkReady() []proto.Candidate {
	if b.ready {
		return nil
	}
	b.ready = true
	batch := b.pending
	b.pending = nil
	return batch
}

// Len returns the number of buffered candidates, for diagnostics.
func (b *CandidateBuffer) Len() int { return len(b.pending) }
