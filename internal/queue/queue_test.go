package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"instapilot/internal/schedule"
	"instapilot/internal/store"
	"instapilot/pkg/apperr"
	"instapilot/pkg/logx"
)

// 2026-03-02 is a Monday.
var monday9am = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop())
}

func weekCfg() schedule.Config {
	cfg := schedule.Config{
		Enabled: true,
		Schedule: map[string]schedule.DaySchedule{
			"tuesday": {Enabled: true, PostsPerDay: 2, Times: []string{"08:30", "20:00"}},
			"friday":  {Enabled: true, PostsPerDay: 1, Times: []string{"12:00"}},
		},
	}
	cfg.Normalize()
	return cfg
}

func TestAddInheritsDayDefault(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	row, warning, err := svc.Add(ctx, weekCfg(), AddRequest{Date: "2026-03-03"}, monday9am)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if warning != "" {
		t.Fatalf("unexpected warning %q", warning)
	}
	if row.ScheduledTime != "08:30" {
		t.Fatalf("time = %q, want day default 08:30", row.ScheduledTime)
	}
	// No topic and no explicit time: the entry covers both tuesday slots.
	if row.RunsTotal != 2 {
		t.Fatalf("runs_total = %d, want 2", row.RunsTotal)
	}
}

func TestAddManualTopicRunsOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	topic := "  solar fleet "
	row, _, err := svc.Add(ctx, weekCfg(), AddRequest{Date: "2026-03-03", Topic: &topic}, monday9am)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if row.RunsTotal != 1 {
		t.Fatalf("runs_total = %d, want 1 for a manual topic", row.RunsTotal)
	}
	if row.Topic == nil || *row.Topic != "solar fleet" {
		t.Fatalf("topic not trimmed: %v", row.Topic)
	}
}

func TestAddExplicitTimeRunsOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	row, _, err := svc.Add(ctx, weekCfg(), AddRequest{Date: "2026-03-03", Time: "13:15"}, monday9am)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if row.ScheduledTime != "13:15" || row.RunsTotal != 1 {
		t.Fatalf("unexpected row: time=%q runs=%d", row.ScheduledTime, row.RunsTotal)
	}
}

func TestAddValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  AddRequest
	}{
		{"bad date", AddRequest{Date: "03/02/2026"}},
		{"past date", AddRequest{Date: "2026-03-01"}},
		{"bad time", AddRequest{Date: "2026-03-03", Time: "8:30"}},
		{"no slot on day", AddRequest{Date: "2026-03-04"}}, // wednesday unconfigured
	}
	for _, tc := range cases {
		_, _, err := svc.Add(ctx, weekCfg(), tc.req, monday9am)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		var verr apperr.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: error is %T, want ValidationError", tc.name, err)
		}
	}
}

func TestAddDuplicateSlotWarns(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Add(ctx, weekCfg(), AddRequest{Date: "2026-03-03", Time: "08:30"}, monday9am); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	row, warning, err := svc.Add(ctx, weekCfg(), AddRequest{Date: "2026-03-03", Time: "08:30"}, monday9am)
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if warning == "" {
		t.Fatalf("expected a duplicate slot warning")
	}
	if row.ID == 0 {
		t.Fatalf("duplicate must still be created")
	}
}

func TestRemove(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	row, _, err := svc.Add(ctx, weekCfg(), AddRequest{Date: "2026-03-03", Time: "08:30"}, monday9am)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := svc.Remove(ctx, row.ID+99); err == nil {
		t.Fatalf("expected not-found error")
	} else {
		var nf apperr.NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("error is %T, want NotFoundError", err)
		}
	}

	if ok, err := svc.Claim(ctx, row.ID, monday9am); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	err = svc.Remove(ctx, row.ID)
	if err == nil {
		t.Fatalf("expected conflict removing a processing entry")
	}
	var cerr apperr.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("error is %T, want ConflictError", err)
	}

	other, _, err := svc.Add(ctx, weekCfg(), AddRequest{Date: "2026-03-03", Time: "20:00"}, monday9am)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := svc.Remove(ctx, other.ID); err != nil {
		t.Fatalf("Remove pending: %v", err)
	}
	if _, err := svc.Get(ctx, other.ID); err == nil {
		t.Fatalf("entry still readable after removal")
	}
}

func TestClaimCompleteFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	row, _, err := svc.Add(ctx, weekCfg(), AddRequest{Date: "2026-03-03", Time: "08:30"}, monday9am)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	due := time.Date(2026, time.March, 3, 8, 31, 0, 0, time.UTC)
	got, ok, err := svc.NextDue(ctx, due)
	if err != nil || !ok {
		t.Fatalf("NextDue: ok=%v err=%v", ok, err)
	}
	if got.ID != row.ID {
		t.Fatalf("NextDue returned %d, want %d", got.ID, row.ID)
	}

	// Nothing is due before the slot.
	if _, ok, _ := svc.NextDue(ctx, monday9am); ok {
		t.Fatalf("entry must not be due on monday")
	}

	if ok, err := svc.Claim(ctx, row.ID+99, due); err != nil || ok {
		t.Fatalf("claim of unknown id must miss: ok=%v err=%v", ok, err)
	}
	if ok, err := svc.Claim(ctx, row.ID, due); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	// Completing an entry that is not processing is a no-op CAS miss.
	if ok, _ := svc.Skip(ctx, row.ID, "late", due); ok {
		t.Fatalf("Skip must fail on a processing entry")
	}

	postID := int64(11)
	if ok, err := svc.Complete(ctx, row.ID, "published 1/1", &postID, 1, due); err != nil || !ok {
		t.Fatalf("Complete: ok=%v err=%v", ok, err)
	}
	final, err := svc.Get(ctx, row.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != string(StatusCompleted) || final.RunsCompleted != 1 {
		t.Fatalf("unexpected final row: %+v", final)
	}
}

func TestAddContinuation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	row, _, err := svc.Add(ctx, weekCfg(), AddRequest{Date: "2026-03-03"}, monday9am)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	postID := int64(5)
	row.PostID = &postID

	cont, err := svc.AddContinuation(ctx, row, "20:00", 1, monday9am)
	if err != nil {
		t.Fatalf("AddContinuation: %v", err)
	}
	if cont.ScheduledDate != row.ScheduledDate || cont.ScheduledTime != "20:00" {
		t.Fatalf("continuation slot wrong: %+v", cont)
	}
	if cont.RunsTotal != row.RunsTotal || cont.RunsCompleted != 1 {
		t.Fatalf("continuation runs wrong: %+v", cont)
	}
	if cont.Status != string(StatusPending) {
		t.Fatalf("continuation must be pending, got %s", cont.Status)
	}
}

func TestAutoFillThroughStore(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	cfg := weekCfg()

	res, err := svc.AutoFill(ctx, cfg, monday9am, 7)
	if err != nil {
		t.Fatalf("AutoFill: %v", err)
	}
	// Tuesday has two slots, friday one.
	if len(res.Created) != 3 {
		t.Fatalf("created %d, want 3: %+v", len(res.Created), res.Created)
	}
	if res.SkippedDisabled != 5 {
		t.Fatalf("skipped_disabled = %d, want 5", res.SkippedDisabled)
	}

	again, err := svc.AutoFill(ctx, cfg, monday9am, 7)
	if err != nil {
		t.Fatalf("AutoFill second: %v", err)
	}
	if len(again.Created) != 0 {
		t.Fatalf("second fill created %d, want 0", len(again.Created))
	}
	if again.SkippedExisting != 3 {
		t.Fatalf("skipped_existing = %d, want 3", again.SkippedExisting)
	}

	rows, err := svc.ListWindow(ctx, monday9am, 0, 7)
	if err != nil {
		t.Fatalf("ListWindow: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("window has %d rows, want 3", len(rows))
	}
	for _, r := range rows {
		if r.Status != string(StatusPending) || r.Topic != nil {
			t.Fatalf("auto-filled row should be pending with automatic topic: %+v", r)
		}
	}
}

func TestAutoFillClampsHorizon(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	cfg := weekCfg()

	// horizon 0 clamps to a single day (monday: nothing configured).
	res, err := svc.AutoFill(ctx, cfg, monday9am, 0)
	if err != nil {
		t.Fatalf("AutoFill: %v", err)
	}
	if len(res.Created) != 0 || res.SkippedDisabled != 1 {
		t.Fatalf("unexpected result for clamped horizon: %+v", res)
	}
}

func TestRecoverStale(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	row, _, err := svc.Add(ctx, weekCfg(), AddRequest{Date: "2026-03-03", Time: "08:30"}, monday9am)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	claimedAt := time.Date(2026, time.March, 3, 8, 31, 0, 0, time.UTC)
	if ok, err := svc.Claim(ctx, row.ID, claimedAt); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}

	n, err := svc.RecoverStale(ctx, 2*time.Hour, claimedAt.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	got, err := svc.Get(ctx, row.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != string(StatusError) {
		t.Fatalf("status = %s, want error", got.Status)
	}
}

func TestStatusGraph(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusSkipped},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusError},
	}
	for _, e := range legal {
		if !CanTransition(e[0], e[1]) {
			t.Errorf("edge %s -> %s should be legal", e[0], e[1])
		}
	}
	illegal := [][2]Status{
		{StatusPending, StatusCompleted},
		{StatusProcessing, StatusPending},
		{StatusCompleted, StatusPending},
		{StatusError, StatusProcessing},
		{StatusSkipped, StatusProcessing},
	}
	for _, e := range illegal {
		if CanTransition(e[0], e[1]) {
			t.Errorf("edge %s -> %s must be illegal", e[0], e[1])
		}
	}
	if _, err := ParseStatus("queued"); err == nil {
		t.Fatalf("unknown status accepted")
	}
}
