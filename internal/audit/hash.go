package audit

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"
)

// hashedFields fixes the field order of the digest input.
type hashedFields struct {
	ID         string      `json:"id"`
	Seq        int64       `json:"seq"`
	UserID     string      `json:"user_id"`
	Username   string      `json:"username"`
	SystemID   string      `json:"system_id"`
	Action     string      `json:"action"`
	Status     Status      `json:"status"`
	Reason     string      `json:"reason"`
	Request    RequestMeta `json:"request"`
	OccurredAt string      `json:"occurred_at"`
	PrevHash   string      `json:"prev_hash"`
}

// Hash returns the hex BLAKE3-256 digest linking e to prev. The entry's own
// Hash field is ignored.
func Hash(prev string, e *Entry) string {
	f := hashedFields{
		ID:         e.ID,
		Seq:        e.Seq,
		Username:   e.Username,
		SystemID:   e.SystemID,
		Action:     e.Action,
		Status:     e.Status,
		Reason:     e.Reason,
		Request:    e.Request,
		OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339Nano),
		PrevHash:   prev,
	}
	if e.UserID != nil {
		f.UserID = *e.UserID
	}
	// Marshal of this struct cannot fail: every field is a string or int.
	data, _ := json.Marshal(f)
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Seal assigns the chain position of e after a head at (seq, hash) that
// occurred at headAt. Stores call it while holding the chain lock. An entry
// stamped before the head is moved up to headAt, so seq order and
// OccurredAt order always agree.
func Seal(e *Entry, headSeq int64, headHash string, headAt time.Time) {
	if e.OccurredAt.Before(headAt) {
		e.OccurredAt = headAt
	}
	e.OccurredAt = e.OccurredAt.UTC()
	e.Seq = headSeq + 1
	e.PrevHash = headHash
	e.Hash = Hash(headHash, e)
}
