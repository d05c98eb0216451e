package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/dialp2p/internal/proto"
)

// Call record status values. Transitions are monotonic: a record never moves
// backward (e.g. active → pending), and ended/declined/missed are terminal.
const (
	StatusPending  = "pending"
	StatusRinging  = "ringing"
	StatusActive   = "active"
	StatusEnded    = "ended"
	StatusDeclined = "declined"
	StatusMissed   = "missed"
)

// statusRank orders statuses along the record state machine. Terminal states
// share the highest rank; a terminal record can never change status again.
var statusRank = map[string]int{
	StatusPending:  0,
	StatusRinging:  1,
	StatusActive:   2,
	StatusEnded:    3,
	StatusDeclined: 3,
	StatusMissed:   3,
}

// IsTerminal reports whether status is one of ended/declined/missed.
func IsTerminal(status string) bool {
	return status == StatusEnded || status == StatusDeclined || status == StatusMissed
}

// CallRecord is the durable record of one call.
type CallRecord struct {
	ID            string
	CallerID      string
	CalleeID      string
	Offer         *proto.SessionDescription
	Answer        *proto.SessionDescription
	ICECandidates []proto.ICECandidateInit
	Status        string
	CreatedAt     time.Time
	EndedAt       *time.Time
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

// CreateCall inserts a new call record with status pending and notifies
// subscribers.
func (d *DB) CreateCall(id, callerID, calleeID string) (CallRecord, error) {
	if id == "" || callerID == "" || calleeID == "" {
		return CallRecord{}, fmt.Errorf("create call: id, caller and callee are required")
	}

	d.mu.Lock()
	_, err := d.db.Exec(`
		INSERT INTO calls (id, caller_id, callee_id, status)
		VALUES (?, ?, ?, ?)`,
		id, callerID, calleeID, StatusPending,
	)
	d.mu.Unlock()
	if err != nil {
		return CallRecord{}, fmt.Errorf("create call %s: %w", id, err)
	}

	rec, ok := d.GetCall(id)
	if !ok {
		return CallRecord{}, fmt.Errorf("create call %s: inserted record not found", id)
	}
	d.notify(rec)
	return rec, nil
}

// PutIncoming materializes a record received from the remote side (the offer
// message on the inbox topic). An existing record with the same ID is left
// untouched — duplicate offer deliveries must not reset local progress.
// Subscribers are notified only for a fresh insert.
func (d *DB) PutIncoming(rec CallRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("put incoming: record id is required")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	offer, err := marshalSDP(rec.Offer)
	if err != nil {
		return fmt.Errorf("put incoming %s: %w", rec.ID, err)
	}

	d.mu.Lock()
	res, err := d.db.Exec(`
		INSERT INTO calls (id, caller_id, callee_id, offer, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.CallerID, rec.CalleeID, offer, rec.Status,
	)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("put incoming %s: %w", rec.ID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("STORE: duplicate incoming record %s ignored", rec.ID)
		return nil
	}

	stored, ok := d.GetCall(rec.ID)
	if !ok {
		return fmt.Errorf("put incoming %s: inserted record not found", rec.ID)
	}
	d.notify(stored)
	return nil
}

// GetCall returns the record for a call ID, or false if unknown.
func (d *DB) GetCall(id string) (CallRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var rec CallRecord
	var offer, answer, candidates sql.NullString
	var createdAt string
	var endedAt *string
	err := d.db.QueryRow(`
		SELECT id, caller_id, callee_id, offer, answer, ice_candidates,
		       status, created_at, ended_at
		FROM calls WHERE id = ?`, id).
		Scan(&rec.ID, &rec.CallerID, &rec.CalleeID, &offer, &answer,
			&candidates, &rec.Status, &createdAt, &endedAt)
	if err != nil {
		return CallRecord{}, false
	}

	rec.Offer = unmarshalSDP(offer.String)
	rec.Answer = unmarshalSDP(answer.String)
	if candidates.String != "" {
		_ = json.Unmarshal([]byte(candidates.String), &rec.ICECandidates)
	}
	rec.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	if endedAt != nil {
		t, err := time.Parse(sqliteTimeLayout, *endedAt)
		if err == nil {
			rec.EndedAt = &t
		}
	}
	return rec, true
}

// SetOffer persists the caller's SDP offer on the record.
func (d *DB) SetOffer(id string, offer proto.SessionDescription) error {
	b, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("set offer %s: %w", id, err)
	}
	return d.updateColumn(id, "offer", string(b))
}

// SetAnswer persists the callee's SDP answer on the record.
func (d *DB) SetAnswer(id string, answer proto.SessionDescription) error {
	b, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("set answer %s: %w", id, err)
	}
	return d.updateColumn(id, "answer", string(b))
}

// AppendICECandidate appends one candidate to the record's append-only log.
func (d *DB) AppendICECandidate(id string, cand proto.ICECandidateInit) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var raw string
	if err := d.db.QueryRow(`SELECT ice_candidates FROM calls WHERE id = ?`, id).Scan(&raw); err != nil {
		return fmt.Errorf("append candidate %s: %w", id, err)
	}

	var cands []proto.ICECandidateInit
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &cands)
	}
	cands = append(cands, cand)

	b, err := json.Marshal(cands)
	if err != nil {
		return fmt.Errorf("append candidate %s: %w", id, err)
	}
	if _, err := d.db.Exec(`UPDATE calls SET ice_candidates = ? WHERE id = ?`, string(b), id); err != nil {
		return fmt.Errorf("append candidate %s: %w", id, err)
	}
	return nil
}

// SetStatus moves the record to a new status. Backward transitions are
// rejected: no party may move a record from active back to pending, and a
// terminal record never changes again. Terminal transitions stamp ended_at.
func (d *DB) SetStatus(id, status string) error {
	newRank, ok := statusRank[status]
	if !ok {
		return fmt.Errorf("set status %s: unknown status %q", id, status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var current string
	if err := d.db.QueryRow(`SELECT status FROM calls WHERE id = ?`, id).Scan(&current); err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	if IsTerminal(current) {
		if current == status {
			return nil // already there
		}
		return fmt.Errorf("set status %s: record is terminal (%s)", id, current)
	}
	if newRank < statusRank[current] {
		return fmt.Errorf("set status %s: backward transition %s → %s", id, current, status)
	}

	var err error
	if IsTerminal(status) {
		_, err = d.db.Exec(`UPDATE calls SET status = ?, ended_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	} else {
		_, err = d.db.Exec(`UPDATE calls SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	return nil
}

// ListRecent returns up to n records, newest first.
func (d *DB) ListRecent(n int) ([]CallRecord, error) {
	if n <= 0 {
		n = 20
	}

	d.mu.RLock()
	rows, err := d.db.Query(`
		SELECT id FROM calls ORDER BY created_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		d.mu.RUnlock()
		return nil, fmt.Errorf("list calls: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			d.mu.RUnlock()
			return nil, fmt.Errorf("list calls: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	d.mu.RUnlock()

	out := make([]CallRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := d.GetCall(id); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (d *DB) updateColumn(id, column, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// column is one of the fixed names above, never user input
	q := fmt.Sprintf(`UPDATE calls SET %s = ? WHERE id = ?`, column)
	if _, err := d.db.Exec(q, value, id); err != nil {
		return fmt.Errorf("update %s for call %s: %w", column, id, err)
	}
	return nil
}

func marshalSDP(sd *proto.SessionDescription) (any, error) {
	if sd == nil {
		return nil, nil
	}
	b, err := json.Marshal(sd)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalSDP(raw string) *proto.SessionDescription {
	if raw == "" {
		return nil
	}
	var sd proto.SessionDescription
	if err := json.Unmarshal([]byte(raw), &sd); err != nil {
		return nil
	}
	return &sd
}
