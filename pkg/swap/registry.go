// ABOUTME: Ordered store of completion records for one window
// ABOUTME: Hands out sequence numbers and resolves each record exactly once
package swap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Flipstamp/flipstamp-go/pkg/status"
)

// errUnmatched marks an event whose sequence number has no record.
var errUnmatched = errors.New("no record for sequence number")

// maxRetained bounds how many resolved records are kept when nobody drains
// them.
const maxRetained = 256

// Registry holds completion records ordered by sequence number. It is not
// safe for concurrent use; Tracker serializes access.
type Registry struct {
	records      []*Record
	lastSeq      uint64
	lastResolved *Record
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Insert assigns the next sequence number to req and stores a pending
// record for it.
func (r *Registry) Insert(req Request) Request {
	r.lastSeq++
	req.Seq = r.lastSeq
	r.records = append(r.records, &Record{Seq: req.Seq, Status: Pending, Request: req})
	return req
}

// Abort removes a pending record whose submission failed. Its sequence
// number stays burned.
func (r *Registry) Abort(seq uint64) {
	i, ok := r.find(seq)
	if !ok || r.records[i].Status != Pending {
		return
	}
	r.records = append(r.records[:i], r.records[i+1:]...)
}

// Resolve applies one event to its record.
func (r *Registry) Resolve(ev Event, hostTime float64) (Record, error) {
	i, ok := r.find(ev.Seq)
	if !ok {
		return Record{}, fmt.Errorf("seq %d: %w", ev.Seq, errUnmatched)
	}

	rec := r.records[i]
	if rec.Status != Pending {
		return *rec, fmt.Errorf("seq %d already %s: %w", ev.Seq, rec.Status, status.ErrInvalidState)
	}

	switch o := ev.Outcome.(type) {
	case Presented:
		rec.Status = Completed
		rec.RawTimestamp = o.Raw
		rec.FrameCounter = o.FrameCounter
		rec.Flags = o.Flags
		rec.RefreshNsec = o.RefreshNsec
	case Discard:
		rec.Status = Discarded
		rec.RawTimestamp = 0
		rec.FrameCounter = 0
		rec.Flags = 0
	default:
		return *rec, fmt.Errorf("seq %d: unknown outcome %T: %w", ev.Seq, ev.Outcome, status.ErrInvalidState)
	}
	rec.HostTime = hostTime

	if r.lastResolved == nil || rec.Seq > r.lastResolved.Seq {
		r.lastResolved = rec
	}
	r.trim()

	return *rec, nil
}

// Get returns a copy of the record for seq.
func (r *Registry) Get(seq uint64) (Record, bool) {
	i, ok := r.find(seq)
	if !ok {
		return Record{}, false
	}
	return *r.records[i], true
}

// LastSeq returns the most recently assigned sequence number.
func (r *Registry) LastSeq() uint64 {
	return r.lastSeq
}

// LastResolved returns the newest resolved record.
func (r *Registry) LastResolved() (Record, bool) {
	if r.lastResolved == nil {
		return Record{}, false
	}
	return *r.lastResolved, true
}

// Pending counts unresolved records.
func (r *Registry) Pending() int {
	n := 0
	for _, rec := range r.records {
		if rec.Status == Pending {
			n++
		}
	}
	return n
}

// Prune drops resolved records older than before. Pending records and the
// last resolved record always survive.
func (r *Registry) Prune(before uint64) {
	kept := r.records[:0]
	for _, rec := range r.records {
		if rec.Status != Pending && rec.Seq < before && rec != r.lastResolved {
			continue
		}
		kept = append(kept, rec)
	}
	clear(r.records[len(kept):])
	r.records = kept
}

// trim enforces maxRetained on resolved records, oldest first.
func (r *Registry) trim() {
	resolved := len(r.records) - r.Pending()
	for i := 0; resolved > maxRetained && i < len(r.records); {
		rec := r.records[i]
		if rec.Status != Pending && rec != r.lastResolved {
			r.records = append(r.records[:i], r.records[i+1:]...)
			resolved--
			continue
		}
		i++
	}
}

func (r *Registry) find(seq uint64) (int, bool) {
	i := sort.Search(len(r.records), func(i int) bool {
		return r.records[i].Seq >= seq
	})
	if i < len(r.records) && r.records[i].Seq == seq {
		return i, true
	}
	return 0, false
}
