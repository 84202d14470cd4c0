// Package audit records every access decision in an append-only,
// hash-chained log.
package audit

import (
	"context"
	"errors"
	"time"
)

// Status is the outcome recorded for an audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusDenied  Status = "denied"
)

// SystemAuth is the subsystem recorded for login, bootstrap and
// registration entries.
const SystemAuth = "auth"

// SystemUnknown is recorded when a request named no usable system.
const SystemUnknown = "unknown"

// Actions recorded by the decision engine.
const (
	ActionLogin     = "login"
	ActionAuthorize = "authorize"
	ActionGrant     = "grant"
	ActionRevoke    = "revoke"
	ActionRegister  = "register"
	ActionBootstrap = "bootstrap"
	ActionQuery     = "audit.query"
	ActionVerify    = "audit.verify"
	ActionWatch     = "audit.watch"
)

var (
	ErrInvalidEntry  = errors.New("audit: invalid entry")
	ErrInvalidFilter = errors.New("audit: invalid filter")
)

// RequestMeta describes the transport request that triggered an entry.
type RequestMeta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Entry is one immutable audit record. Seq, PrevHash and Hash are assigned
// by the Store at append time.
type Entry struct {
	ID         string      `json:"id"`
	Seq        int64       `json:"seq"`
	UserID     *string     `json:"user_id"`
	Username   string      `json:"username,omitempty"`
	SystemID   string      `json:"system_id"`
	Action     string      `json:"action"`
	Status     Status      `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	Request    RequestMeta `json:"request"`
	OccurredAt time.Time   `json:"occurred_at"`
	PrevHash   string      `json:"prev_hash"`
	Hash       string      `json:"hash"`
}

// Filter selects entries. Zero fields match everything. Results are ordered
// by ascending Seq.
type Filter struct {
	UserID   string
	SystemID string
	Action   string
	Status   Status
	Since    time.Time
	Until    time.Time
	AfterSeq int64
	Limit    int
	// Expression is an optional boolean expression over entry fields, for
	// example `system_id == "billing" and ip matches "^10\\."`.
	Expression string
}

// Page is one slice of query results. NextAfter is the AfterSeq value for
// the following page, or zero when the log is exhausted.
type Page struct {
	Entries   []Entry `json:"entries"`
	NextAfter int64   `json:"next_after,omitempty"`
}

// Store persists the chain. Append must serialise concurrent writers: it
// reads the current head, assigns Seq = head+1, PrevHash = head hash and
// Hash = Hash(PrevHash, entry), then advances the head atomically with the
// insert.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// Query applies every Filter field except Expression. Limit is always
	// positive.
	Query(ctx context.Context, f Filter) ([]Entry, error)
}
