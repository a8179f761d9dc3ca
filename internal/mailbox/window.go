package mailbox

// Window tracks the last sequence number handed to consumers and
// computes which sequence numbers a new EXISTS count makes available.
//
// It is plain bookkeeping with no locking; the session loop is its only
// writer.
type Window struct {
	lastSeen uint32
	known    bool
}

// NewWindow returns a window starting at the given baseline. A nil start
// leaves the window uninitialised so the first observed count becomes
// the baseline without producing a backlog.
func NewWindow(start *uint32) *Window {
	w := &Window{}
	if start != nil {
		w.lastSeen = *start
		w.known = true
	}
	return w
}

// LastSeen returns the current baseline and whether one has been set.
func (w *Window) LastSeen() (uint32, bool) {
	return w.lastSeen, w.known
}

// Observe compares a server-reported message count to the baseline.
// It returns the closed range [lo, hi] to fetch and ok=true when the
// count moved past the baseline. An uninitialised window adopts n as its
// baseline and reports nothing to fetch.
//
// Observe never advances the baseline for a non-empty range; the caller
// does that with Commit once every message in the range was emitted.
func (w *Window) Observe(n uint32) (lo, hi uint32, ok bool) {
	if !w.known {
		w.lastSeen = n
		w.known = true
		return 0, 0, false
	}
	if n <= w.lastSeen {
		return 0, 0, false
	}
	return w.lastSeen + 1, n, true
}

// Commit advances the baseline to n. Stale commits are ignored so the
// baseline never moves backwards here.
func (w *Window) Commit(n uint32) {
	if !w.known || n > w.lastSeen {
		w.lastSeen = n
		w.known = true
	}
}

// Expunge applies a server-side removal of sequence number seq. Removing
// an already delivered message renumbers everything after it, so the
// baseline drops by one. Removals above the baseline leave it alone.
func (w *Window) Expunge(seq uint32) bool {
	if !w.known || w.lastSeen == 0 || seq > w.lastSeen {
		return false
	}
	w.lastSeen--
	return true
}
