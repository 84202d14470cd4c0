package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authcore.dev/internal/audit"
	"authcore.dev/internal/obs"
	"authcore.dev/internal/store/memory"
)

func strptr(s string) *string { return &s }

func seed(t *testing.T, log *audit.Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := &audit.Entry{
			UserID:   strptr(fmt.Sprintf("u%d", i%3)),
			SystemID: []string{"reports", "billing"}[i%2],
			Action:   audit.ActionAuthorize,
			Status:   audit.StatusSuccess,
			Request:  audit.RequestMeta{IP: fmt.Sprintf("10.0.0.%d", i%4)},
		}
		if i%5 == 0 {
			e.Status, e.Reason = audit.StatusDenied, "no access granted"
		}
		require.NoError(t, log.Append(context.Background(), e))
	}
}

func TestAppendChainsEntries(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 1, 2, 3, 4, 5, 6789, time.FixedZone("X", 3600))
	log := audit.NewLog(store, audit.WithClock(func() time.Time { return now }))

	first := &audit.Entry{SystemID: audit.SystemAuth, Action: audit.ActionLogin, Status: audit.StatusSuccess}
	second := &audit.Entry{SystemID: "reports", Action: audit.ActionAuthorize, Status: audit.StatusDenied, Reason: "access revoked"}
	require.NoError(t, log.Append(context.Background(), first))
	require.NoError(t, log.Append(context.Background(), second))

	require.EqualValues(t, 1, first.Seq)
	require.EqualValues(t, 2, second.Seq)
	require.Empty(t, first.PrevHash)
	require.Equal(t, first.Hash, second.PrevHash)
	require.Equal(t, audit.Hash(first.Hash, second), second.Hash)
	require.NotEmpty(t, first.ID)
	require.Equal(t, time.UTC, first.OccurredAt.Location())
	require.Zero(t, first.OccurredAt.Nanosecond()%1000)
}

func TestAppendValidates(t *testing.T) {
	log := audit.NewLog(memory.New())
	cases := []*audit.Entry{
		nil,
		{SystemID: "s", Status: audit.StatusSuccess},
		{Action: "a", Status: audit.StatusSuccess},
		{SystemID: "s", Action: "a", Status: "maybe"},
		{SystemID: "s", Action: "a", Status: audit.StatusDenied},
	}
	for i, e := range cases {
		err := log.Append(context.Background(), e)
		require.ErrorIs(t, err, audit.ErrInvalidEntry, "case %d", i)
	}
}

type brokenStore struct{ audit.Store }

func (brokenStore) Append(context.Context, *audit.Entry) error { return errors.New("no space left") }

func TestAppendSurfacesStoreFailure(t *testing.T) {
	log := audit.NewLog(brokenStore{memory.New()})
	err := log.Append(context.Background(), &audit.Entry{SystemID: "s", Action: "a", Status: audit.StatusSuccess})
	require.Error(t, err)
}

func TestAppendMirrorsToLogger(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	log := audit.NewLog(memory.New())
	require.NoError(t, log.Append(context.Background(), &audit.Entry{
		UserID:   strptr("u1"),
		SystemID: "reports",
		Action:   audit.ActionAuthorize,
		Status:   audit.StatusDenied,
		Reason:   "access expired",
	}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "audit", line["type"])
	require.Equal(t, "u1", line["user_id"])
	require.Equal(t, "access expired", line["reason"])
	require.EqualValues(t, 1, line["seq"])
}

func TestQueryFiltersAndPages(t *testing.T) {
	log := audit.NewLog(memory.New())
	seed(t, log, 30)

	page, err := log.Query(context.Background(), audit.Filter{SystemID: "reports", Limit: 4})
	require.NoError(t, err)
	require.Len(t, page.Entries, 4)
	require.NotZero(t, page.NextAfter)
	for i, e := range page.Entries {
		require.Equal(t, "reports", e.SystemID)
		if i > 0 {
			require.Greater(t, e.Seq, page.Entries[i-1].Seq)
		}
	}

	var all []audit.Entry
	f := audit.Filter{SystemID: "reports", Limit: 4}
	for {
		p, err := log.Query(context.Background(), f)
		require.NoError(t, err)
		all = append(all, p.Entries...)
		if p.NextAfter == 0 {
			break
		}
		f.AfterSeq = p.NextAfter
	}
	require.Len(t, all, 15)

	denied, err := log.Query(context.Background(), audit.Filter{Status: audit.StatusDenied})
	require.NoError(t, err)
	require.Len(t, denied.Entries, 6)
	require.Zero(t, denied.NextAfter)
}

func TestQueryExpression(t *testing.T) {
	log := audit.NewLog(memory.New())
	seed(t, log, 20)

	page, err := log.Query(context.Background(), audit.Filter{Expression: `system_id == "billing" and ip == "10.0.0.1"`})
	require.NoError(t, err)
	require.NotEmpty(t, page.Entries)
	for _, e := range page.Entries {
		require.Equal(t, "billing", e.SystemID)
		require.Equal(t, "10.0.0.1", e.Request.IP)
	}

	page, err = log.Query(context.Background(), audit.Filter{Expression: `user_id == "u0"`, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.Equal(t, page.Entries[1].Seq, page.NextAfter)

	_, err = log.Query(context.Background(), audit.Filter{Expression: "status =="})
	require.ErrorIs(t, err, audit.ErrInvalidFilter)
}

func TestQueryRejectsBadFilters(t *testing.T) {
	log := audit.NewLog(memory.New())
	now := time.Now()
	bad := []audit.Filter{
		{Limit: -1},
		{AfterSeq: -1},
		{Status: "maybe"},
		{Since: now, Until: now.Add(-time.Hour)},
	}
	for i, f := range bad {
		_, err := log.Query(context.Background(), f)
		require.ErrorIs(t, err, audit.ErrInvalidFilter, "case %d", i)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	store := memory.New()
	log := audit.NewLog(store)
	seed(t, log, 12)

	report, err := log.Verify(context.Background())
	require.NoError(t, err)
	require.True(t, report.OK)
	require.EqualValues(t, 12, report.Entries)
	require.EqualValues(t, 12, report.HeadSeq)

	require.True(t, store.Tamper(7, func(e *audit.Entry) { e.Reason = "edited" }))
	report, err = log.Verify(context.Background())
	require.NoError(t, err)
	require.False(t, report.OK)
	require.EqualValues(t, 7, report.BrokenSeq)
	require.EqualValues(t, 6, report.Entries)
}

func TestHashCoversEveryField(t *testing.T) {
	base := audit.Entry{
		ID:         "01J",
		Seq:        3,
		UserID:     strptr("u1"),
		Username:   "bob",
		SystemID:   "reports",
		Action:     audit.ActionAuthorize,
		Status:     audit.StatusSuccess,
		Request:    audit.RequestMeta{IP: "1.2.3.4", UserAgent: "ua", Method: "GET", Path: "/x"},
		OccurredAt: time.Unix(1700000000, 0),
	}
	ref := audit.Hash("prev", &base)
	require.Len(t, ref, 64)
	require.NotEqual(t, ref, audit.Hash("other", &base))

	mutations := []func(*audit.Entry){
		func(e *audit.Entry) { e.ID = "01K" },
		func(e *audit.Entry) { e.Seq = 4 },
		func(e *audit.Entry) { e.UserID = nil },
		func(e *audit.Entry) { e.Username = "eve" },
		func(e *audit.Entry) { e.SystemID = "billing" },
		func(e *audit.Entry) { e.Action = audit.ActionGrant },
		func(e *audit.Entry) { e.Status = audit.StatusDenied },
		func(e *audit.Entry) { e.Reason = "x" },
		func(e *audit.Entry) { e.Request.IP = "4.3.2.1" },
		func(e *audit.Entry) { e.Request.Path = "/y" },
		func(e *audit.Entry) { e.OccurredAt = e.OccurredAt.Add(time.Microsecond) },
	}
	for i, mutate := range mutations {
		e := base
		mutate(&e)
		require.NotEqual(t, ref, audit.Hash("prev", &e), "mutation %d", i)
	}
}

// heldStore blocks the first append until release is closed.
type heldStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	held    bool
}

func (h *heldStore) Append(ctx context.Context, e *audit.Entry) error {
	if !h.held {
		h.held = true
		close(h.entered)
		<-h.release
	}
	return h.Store.Append(ctx, e)
}

func TestQueryOrderMatchesTimestampsUnderConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := &heldStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	slow := audit.NewLog(store, audit.WithClock(func() time.Time { return t1 }))
	fast := audit.NewLog(store, audit.WithClock(func() time.Time { return t1.Add(time.Second) }))

	done := make(chan error, 1)
	go func() {
		done <- slow.Append(ctx, &audit.Entry{SystemID: "reports", Action: audit.ActionAuthorize, Status: audit.StatusSuccess})
	}()
	<-store.entered
	require.NoError(t, fast.Append(ctx, &audit.Entry{SystemID: "billing", Action: audit.ActionAuthorize, Status: audit.StatusSuccess}))
	close(store.release)
	require.NoError(t, <-done)

	page, err := fast.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.Equal(t, "billing", page.Entries[0].SystemID)
	require.False(t, page.Entries[1].OccurredAt.Before(page.Entries[0].OccurredAt),
		"seq %d at %v precedes seq %d at %v", page.Entries[1].Seq, page.Entries[1].OccurredAt, page.Entries[0].Seq, page.Entries[0].OccurredAt)

	report, err := fast.Verify(ctx)
	require.NoError(t, err)
	require.True(t, report.OK)

	window, err := fast.Query(ctx, audit.Filter{Since: t1.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, window.Entries, 2)
}
