package convo

// SynthResult is one sentence with its synthesized audio. Audio is nil when
// synthesis failed or was skipped; the sentence is still delivered so the
// text track stays complete.
type SynthResult struct {
	GenerationID string
	Index        int
	Text         string
	Tag          string
	Audio        []byte
	Format       string
}

// Sequencer re-imposes sentence order on results arriving from concurrent
// synthesis workers. Offer buffers out-of-order results and returns the run
// of consecutive results that are now releasable, possibly empty. Not safe
// for concurrent use; a single collector goroutine owns it.
type Sequencer struct {
	next    int
	pending map[int]SynthResult
}

func NewSequencer() *Sequencer {
	return &Sequencer{pending: make(map[int]SynthResult)}
}

func (q *Sequencer) Offer(r SynthResult) []SynthResult {
	if r.Index < q.next {
		// Duplicate of an already released index; drop it.
		return nil
	}
	q.pending[r.Index] = r

	var run []SynthResult
	for {
		next, ok := q.pending[q.next]
		if !ok {
			return run
		}
		delete(q.pending, q.next)
		q.next++
		run = append(run, next)
	}
}

// Pending reports how many results are buffered waiting on a gap.
func (q *Sequencer) Pending() int { return len(q.pending) }

// Next reports the index the sequencer is waiting to release.
func (q *Sequencer) Next() int { return q.next }
