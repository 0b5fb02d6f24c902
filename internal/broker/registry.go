package broker

import (
	"strconv"
	"sync"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/capability"
)

// ProjectRecord is the broker's view of one project worker.
type ProjectRecord struct {
	Tag        string
	ID         string
	Endpoint   api.Endpoint
	State      api.State
	ReadySince time.Time
	ChangedAt  time.Time
	PID        int
}

// Registry holds every known project worker. All access goes through its
// methods, each of which is a single critical section.
type Registry struct {
	mu      sync.Mutex
	records []*ProjectRecord
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

func (r *Registry) transitionLocked(rec *ProjectRecord, to api.State, cause string) api.Transition {
	t := api.Transition{
		At:    r.now(),
		Tag:   rec.Tag,
		ID:    rec.ID,
		From:  rec.State,
		To:    to,
		PID:   rec.PID,
		Cause: cause,
	}
	rec.State = to
	rec.ChangedAt = t.At
	return t
}

// Add inserts a freshly spawned worker in state new.
func (r *Registry) Add(tag string, ep api.Endpoint, pid int) api.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &ProjectRecord{Tag: tag, Endpoint: ep, PID: pid}
	t := r.transitionLocked(rec, api.StateNew, "spawned")
	r.records = append(r.records, rec)
	return t
}

// ByTag returns a copy of the record created for tag.
func (r *Registry) ByTag(tag string) (ProjectRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Tag == tag {
			return *rec, true
		}
	}
	return ProjectRecord{}, false
}

// forward lists the transitions a worker may report. Repeating the current
// state is accepted as a no-op.
var forward = map[api.State][]api.State{
	api.StateNew:     {api.StateLoading, api.StateReady, api.StateFailed},
	api.StateLoading: {api.StateReady, api.StateFailed},
}

func canMove(from, to api.State) bool {
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateState applies a state reported by the worker holding token. It
// returns false when no record carries that token, when the move is not
// forward along new, loading, ready or failed, and when a ready report
// leaves the record without an ID. Obsolete records are left alone. A
// record becoming ready obsoletes every other record with the same ID in
// the same critical section, so at most one is ever ready.
func (r *Registry) UpdateState(token, id string, state api.State) ([]api.Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rec *ProjectRecord
	for _, candidate := range r.records {
		if capability.Equal(candidate.Endpoint.Token, token) {
			rec = candidate
			break
		}
	}
	if rec == nil {
		return nil, false
	}
	if rec.State == api.StateObsolete {
		return nil, true
	}
	if id != "" && rec.ID != "" && id != rec.ID {
		return nil, false
	}
	if rec.State == state {
		return nil, true
	}
	if !canMove(rec.State, state) {
		return nil, false
	}
	if state == api.StateReady && id == "" && rec.ID == "" {
		return nil, false
	}

	if id != "" {
		rec.ID = id
	}

	var out []api.Transition
	switch state {
	case api.StateReady:
		for _, other := range r.records {
			if other != rec && other.ID == rec.ID && other.State != api.StateObsolete {
				out = append(out, r.transitionLocked(other, api.StateObsolete, "superseded"))
			}
		}
		rec.ReadySince = r.now()
	case api.StateFailed:
		rec.Endpoint.Addr = ""
	}

	out = append(out, r.transitionLocked(rec, state, "reported"))
	return out, true
}

// MarkObsolete obsoletes records by 1-based position or by project ID and
// returns the transitions made.
func (r *Registry) MarkObsolete(indexOrID string) []api.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []api.Transition
	if n, err := strconv.Atoi(indexOrID); err == nil {
		if n >= 1 && n <= len(r.records) {
			rec := r.records[n-1]
			if rec.State != api.StateObsolete {
				out = append(out, r.transitionLocked(rec, api.StateObsolete, "removed"))
			}
		}
		return out
	}

	for _, rec := range r.records {
		if rec.ID == indexOrID && rec.State != api.StateObsolete {
			out = append(out, r.transitionLocked(rec, api.StateObsolete, "removed"))
		}
	}
	return out
}

// MarkDead obsoletes the records with the given tags after a failed
// heartbeat.
func (r *Registry) MarkDead(tags []string) []api.Transition {
	dead := make(map[string]bool, len(tags))
	for _, tag := range tags {
		dead[tag] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []api.Transition
	for _, rec := range r.records {
		if dead[rec.Tag] && rec.State != api.StateObsolete {
			out = append(out, r.transitionLocked(rec, api.StateObsolete, "heartbeat lost"))
		}
	}
	return out
}

// Ready returns the endpoint of the ready record for id, or nil.
func (r *Registry) Ready(id string) *api.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id && rec.State == api.StateReady {
			ep := rec.Endpoint
			return &ep
		}
	}
	return nil
}

// Reap removes every obsolete record and every failed record older than
// grace, and returns them. Selection and removal happen in one critical
// section, so a record is handed out for teardown exactly once.
func (r *Registry) Reap(grace time.Duration) []ProjectRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var reaped []ProjectRecord
	kept := r.records[:0]
	for _, rec := range r.records {
		switch {
		case rec.State == api.StateObsolete,
			rec.State == api.StateFailed && now.Sub(rec.ChangedAt) >= grace:
			reaped = append(reaped, *rec)
		default:
			kept = append(kept, rec)
		}
	}
	for i := len(kept); i < len(r.records); i++ {
		r.records[i] = nil
	}
	r.records = kept
	return reaped
}

// Live returns copies of the records that should answer a heartbeat.
func (r *Registry) Live() []ProjectRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ProjectRecord
	for _, rec := range r.records {
		if rec.Endpoint.Addr == "" || rec.State == api.StateObsolete || rec.State == api.StateFailed {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// All returns copies of every record in registry order.
func (r *Registry) All() []ProjectRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ProjectRecord, len(r.records))
	for i, rec := range r.records {
		out[i] = *rec
	}
	return out
}

// Status lists the registry with 1-based positions.
func (r *Registry) Status() []api.ProjectStatus {
	records := r.All()
	out := make([]api.ProjectStatus, len(records))
	for i, rec := range records {
		out[i] = api.ProjectStatus{
			No:         i + 1,
			ID:         rec.ID,
			State:      rec.State,
			ReadySince: rec.ReadySince,
			PID:        rec.PID,
		}
	}
	return out
}
