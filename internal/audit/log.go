package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-bexpr"

	"authcore.dev/internal/ids"
	"authcore.dev/internal/obs"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Log is the audit facade used by the decision engine.
type Log struct {
	store     Store
	now       func() time.Time
	observers []func(Entry)
}

// Option configures Log.
type Option func(*Log)

// WithClock overrides the time source used for OccurredAt.
func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithObserver registers fn to receive every entry after it is persisted.
// fn runs on the appending goroutine and must not block.
func WithObserver(fn func(Entry)) Option {
	return func(l *Log) {
		if fn != nil {
			l.observers = append(l.observers, fn)
		}
	}
}

// NewLog constructs a Log over store.
func NewLog(store Store, opts ...Option) *Log {
	l := &Log{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates e, stamps ID and OccurredAt, and appends it to the chain.
// On success e carries its assigned Seq and Hash.
func (l *Log) Append(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Action) == "" || strings.TrimSpace(e.SystemID) == "" {
		return fmt.Errorf("%w: action and system are required", ErrInvalidEntry)
	}
	switch e.Status {
	case StatusSuccess:
	case StatusDenied:
		if strings.TrimSpace(e.Reason) == "" {
			return fmt.Errorf("%w: denied entry needs a reason", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now()
	}
	e.OccurredAt = e.OccurredAt.UTC().Truncate(time.Microsecond)
	if e.ID == "" {
		e.ID = ids.NewAt(e.OccurredAt)
	}
	if err := l.store.Append(ctx, e); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	mirror(ctx, e)
	for _, fn := range l.observers {
		fn(*e)
	}
	return nil
}

func mirror(ctx context.Context, e *Entry) {
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.Int64("seq", e.Seq),
		slog.String("system_id", e.SystemID),
		slog.String("action", e.Action),
		slog.String("status", string(e.Status)),
	}
	if e.UserID != nil {
		attrs = append(attrs, slog.String("user_id", *e.UserID))
	}
	if e.Username != "" {
		attrs = append(attrs, slog.String("username", e.Username))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Request.IP != "" {
		attrs = append(attrs, slog.String("ip", e.Request.IP))
	}
	obs.Logger().LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

// exprView is the shape Filter.Expression is evaluated against.
type exprView struct {
	UserID    string `bexpr:"user_id"`
	Username  string `bexpr:"username"`
	SystemID  string `bexpr:"system_id"`
	Action    string `bexpr:"action"`
	Status    string `bexpr:"status"`
	Reason    string `bexpr:"reason"`
	IP        string `bexpr:"ip"`
	UserAgent string `bexpr:"user_agent"`
	Method    string `bexpr:"method"`
	Path      string `bexpr:"path"`
}

func viewOf(e *Entry) exprView {
	v := exprView{
		Username:  e.Username,
		SystemID:  e.SystemID,
		Action:    e.Action,
		Status:    string(e.Status),
		Reason:    e.Reason,
		IP:        e.Request.IP,
		UserAgent: e.Request.UserAgent,
		Method:    e.Request.Method,
		Path:      e.Request.Path,
	}
	if e.UserID != nil {
		v.UserID = *e.UserID
	}
	return v
}

// Query returns entries matching f in ascending sequence order.
func (l *Log) Query(ctx context.Context, f Filter) (Page, error) {
	if f.Limit < 0 || f.AfterSeq < 0 {
		return Page{}, fmt.Errorf("%w: negative limit or cursor", ErrInvalidFilter)
	}
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Status != "" && f.Status != StatusSuccess && f.Status != StatusDenied {
		return Page{}, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, f.Status)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return Page{}, fmt.Errorf("%w: until before since", ErrInvalidFilter)
	}

	expr := strings.TrimSpace(f.Expression)
	if expr == "" {
		entries, err := l.store.Query(ctx, f)
		if err != nil {
			return Page{}, fmt.Errorf("query audit log: %w", err)
		}
		page := Page{Entries: entries}
		if len(entries) == f.Limit {
			page.NextAfter = entries[len(entries)-1].Seq
		}
		return page, nil
	}

	eval, err := bexpr.CreateEvaluator(expr)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	want := f.Limit
	scan := f
	scan.Limit = MaxLimit
	page := Page{Entries: make([]Entry, 0, want)}
	for {
		batch, err := l.store.Query(ctx, scan)
		if err != nil {
			return Page{}, fmt.Errorf("query audit log: %w", err)
		}
		for i := range batch {
			ok, err := eval.Evaluate(viewOf(&batch[i]))
			if err != nil {
				return Page{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
			}
			if !ok {
				continue
			}
			page.Entries = append(page.Entries, batch[i])
			if len(page.Entries) == want {
				page.NextAfter = batch[i].Seq
				return page, nil
			}
		}
		if len(batch) < scan.Limit {
			return page, nil
		}
		scan.AfterSeq = batch[len(batch)-1].Seq
	}
}

// VerifyReport summarises a chain walk.
type VerifyReport struct {
	OK        bool   `json:"ok"`
	Entries   int64  `json:"entries"`
	HeadSeq   int64  `json:"head_seq"`
	HeadHash  string `json:"head_hash,omitempty"`
	BrokenSeq int64  `json:"broken_seq,omitempty"`
	Problem   string `json:"problem,omitempty"`
}

// Verify walks the whole chain recomputing every link and stops at the first
// broken one.
func (l *Log) Verify(ctx context.Context) (VerifyReport, error) {
	var (
		report VerifyReport
		prev   string
		want   int64 = 1
	)
	f := Filter{Limit: MaxLimit}
	for {
		batch, err := l.store.Query(ctx, f)
		if err != nil {
			return VerifyReport{}, fmt.Errorf("scan audit log: %w", err)
		}
		for i := range batch {
			e := &batch[i]
			switch {
			case e.Seq != want:
				report.BrokenSeq, report.Problem = e.Seq, fmt.Sprintf("expected seq %d", want)
			case e.PrevHash != prev:
				report.BrokenSeq, report.Problem = e.Seq, "previous hash mismatch"
			case Hash(prev, e) != e.Hash:
				report.BrokenSeq, report.Problem = e.Seq, "entry hash mismatch"
			}
			if report.BrokenSeq != 0 {
				return report, nil
			}
			report.Entries++
			report.HeadSeq, report.HeadHash = e.Seq, e.Hash
			prev = e.Hash
			want++
		}
		if len(batch) < f.Limit {
			report.OK = true
			return report, nil
		}
		f.AfterSeq = batch[len(batch)-1].Seq
	}
}
