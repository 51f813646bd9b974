package player

// Queue is the materialized playlist: the subsequence of the logical playlist
// whose entries carry resolved stream URLs and have been handed to the
// playback device. Each materialized entry remembers its position in the
// logical playlist so late-arriving resolutions splice in at the right spot.
//
// Queue is not safe for concurrent use; the coordinator serializes access.
type Queue struct {
	entries []Entry
	logical []int
	index   int
}

// Replace discards the queue and materializes a single entry at the given
// logical position.
func (q *Queue) Replace(e Entry, logicalPos int) {
	q.entries = []Entry{e}
	q.logical = []int{logicalPos}
	q.index = 0
}

// ReplaceAll discards the queue and materializes entries in order, all sharing
// consecutive logical positions starting at 0, with the active index set.
func (q *Queue) ReplaceAll(entries []Entry, startIndex int) {
	q.entries = append([]Entry(nil), entries...)
	q.logical = make([]int, len(entries))
	for i := range q.logical {
		q.logical[i] = i
	}
	q.index = startIndex
}

// Len returns the number of materialized entries.
func (q *Queue) Len() int { return len(q.entries) }

// Index returns the active materialized position.
func (q *Queue) Index() int { return q.index }

// SetIndex moves the active position. Out-of-range values are rejected.
func (q *Queue) SetIndex(i int) bool {
	if i < 0 || i >= len(q.entries) {
		return false
	}
	q.index = i
	return true
}

// At returns the entry at a materialized position.
func (q *Queue) At(i int) (Entry, bool) {
	if i < 0 || i >= len(q.entries) {
		return Entry{}, false
	}
	return q.entries[i], true
}

// Current returns the active entry.
func (q *Queue) Current() (Entry, bool) {
	return q.At(q.index)
}

// LogicalAt returns the logical playlist position of a materialized entry,
// or -1 when out of range.
func (q *Queue) LogicalAt(i int) int {
	if i < 0 || i >= len(q.logical) {
		return -1
	}
	return q.logical[i]
}

// Entries returns a copy of the materialized entries.
func (q *Queue) Entries() []Entry {
	return append([]Entry(nil), q.entries...)
}

// Insert materializes entries belonging to the given logical position,
// keeping the queue ordered by logical position. Entries with the same
// logical position as an existing run (remaining parts of the active video)
// land immediately after that run. Inserting at or before the active position
// shifts the active index forward so the playing entry keeps its place.
// Returns the materialized position the entries were inserted at.
func (q *Queue) Insert(logicalPos int, entries ...Entry) int {
	if len(entries) == 0 {
		return -1
	}
	pos := len(q.entries)
	for i, l := range q.logical {
		if l > logicalPos {
			pos = i
			break
		}
	}

	q.entries = append(q.entries[:pos], append(append([]Entry(nil), entries...), q.entries[pos:]...)...)

	tail := append([]int(nil), q.logical[pos:]...)
	q.logical = q.logical[:pos]
	for range entries {
		q.logical = append(q.logical, logicalPos)
	}
	q.logical = append(q.logical, tail...)

	if pos <= q.index {
		q.index += len(entries)
	}
	return pos
}
