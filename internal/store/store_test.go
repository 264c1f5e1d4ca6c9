package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"instapilot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{Path: filepath.Join(dir, "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func strPtr(s string) *string { return &s }

func TestQueueEntryRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.InsertQueueEntry(ctx, QueueRow{
		ScheduledDate: "2026-03-02",
		ScheduledTime: "09:30",
		Topic:         strPtr("spring launch"),
		Status:        "pending",
		RunsTotal:     2,
	})
	if err != nil {
		t.Fatalf("InsertQueueEntry: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}

	got, ok, err := st.GetQueueEntry(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetQueueEntry: ok=%v err=%v", ok, err)
	}
	if got.ScheduledDate != "2026-03-02" || got.ScheduledTime != "09:30" {
		t.Fatalf("unexpected slot: %s %s", got.ScheduledDate, got.ScheduledTime)
	}
	if got.Topic == nil || *got.Topic != "spring launch" {
		t.Fatalf("unexpected topic: %v", got.Topic)
	}
	if got.RunsTotal != 2 || got.RunsCompleted != 0 {
		t.Fatalf("unexpected runs: %d/%d", got.RunsCompleted, got.RunsTotal)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatalf("expected nil stamps on fresh entry")
	}

	_, ok, err = st.GetQueueEntry(ctx, id+100)
	if err != nil {
		t.Fatalf("GetQueueEntry missing: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing entry")
	}
}

func TestQueueTransitionCAS(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.InsertQueueEntry(ctx, QueueRow{
		ScheduledDate: "2026-03-02", ScheduledTime: "09:30", Status: "pending",
	})
	if err != nil {
		t.Fatalf("InsertQueueEntry: %v", err)
	}

	now := time.Now().UTC()
	ok, err := st.TransitionQueueEntry(ctx, id, "pending", "processing", nil, nil, -1, now)
	if err != nil || !ok {
		t.Fatalf("pending->processing: ok=%v err=%v", ok, err)
	}

	// Second claim against the same entry must lose the CAS.
	ok, err = st.TransitionQueueEntry(ctx, id, "pending", "processing", nil, nil, -1, now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("expected second pending->processing claim to fail")
	}

	got, _, _ := st.GetQueueEntry(ctx, id)
	if got.Status != "processing" {
		t.Fatalf("status = %q, want processing", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatalf("expected started_at stamped")
	}

	msg := "published post 7"
	postID := int64(7)
	ok, err = st.TransitionQueueEntry(ctx, id, "processing", "completed", &msg, &postID, 1, now.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("processing->completed: ok=%v err=%v", ok, err)
	}
	got, _, _ = st.GetQueueEntry(ctx, id)
	if got.Status != "completed" || got.CompletedAt == nil {
		t.Fatalf("terminal state not recorded: %+v", got)
	}
	if got.ResultMessage == nil || *got.ResultMessage != msg {
		t.Fatalf("result message not recorded: %v", got.ResultMessage)
	}
	if got.PostID == nil || *got.PostID != postID {
		t.Fatalf("post id not recorded: %v", got.PostID)
	}
	if got.RunsCompleted != 1 {
		t.Fatalf("runs_completed = %d, want 1", got.RunsCompleted)
	}
}

func TestDeleteQueueEntryIfStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, _ := st.InsertQueueEntry(ctx, QueueRow{
		ScheduledDate: "2026-03-02", ScheduledTime: "09:30", Status: "pending",
	})

	ok, err := st.DeleteQueueEntryIfStatus(ctx, id, "processing")
	if err != nil {
		t.Fatalf("DeleteQueueEntryIfStatus: %v", err)
	}
	if ok {
		t.Fatalf("expected delete with wrong status to be refused")
	}

	ok, err = st.DeleteQueueEntryIfStatus(ctx, id, "pending")
	if err != nil || !ok {
		t.Fatalf("expected pending delete to succeed: ok=%v err=%v", ok, err)
	}
	_, found, _ := st.GetQueueEntry(ctx, id)
	if found {
		t.Fatalf("entry still present after delete")
	}
}

func TestEarliestDuePendingOrdering(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mustInsert := func(date, hhmm, status string) int64 {
		t.Helper()
		id, err := st.InsertQueueEntry(ctx, QueueRow{ScheduledDate: date, ScheduledTime: hhmm, Status: status})
		if err != nil {
			t.Fatalf("InsertQueueEntry: %v", err)
		}
		return id
	}

	mustInsert("2026-03-03", "08:00", "pending") // future date
	mustInsert("2026-03-02", "11:00", "pending") // later today
	want := mustInsert("2026-03-01", "18:00", "pending")
	mustInsert("2026-03-01", "09:00", "completed") // earlier but terminal

	got, ok, err := st.EarliestDuePending(ctx, "2026-03-02", "10:00")
	if err != nil || !ok {
		t.Fatalf("EarliestDuePending: ok=%v err=%v", ok, err)
	}
	if got.ID != want {
		t.Fatalf("picked entry %d, want %d", got.ID, want)
	}

	// Nothing due before any entries.
	_, ok, err = st.EarliestDuePending(ctx, "2026-02-01", "00:00")
	if err != nil {
		t.Fatalf("EarliestDuePending empty: %v", err)
	}
	if ok {
		t.Fatalf("expected no due entry")
	}
}

func TestRecoverStaleProcessing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	stale, _ := st.InsertQueueEntry(ctx, QueueRow{ScheduledDate: "2026-03-01", ScheduledTime: "09:00", Status: "pending"})
	fresh, _ := st.InsertQueueEntry(ctx, QueueRow{ScheduledDate: "2026-03-01", ScheduledTime: "10:00", Status: "pending"})

	if _, err := st.TransitionQueueEntry(ctx, stale, "pending", "processing", nil, nil, -1, now.Add(-3*time.Hour)); err != nil {
		t.Fatalf("stale claim: %v", err)
	}
	if _, err := st.TransitionQueueEntry(ctx, fresh, "pending", "processing", nil, nil, -1, now.Add(-time.Minute)); err != nil {
		t.Fatalf("fresh claim: %v", err)
	}

	n, err := st.RecoverStaleProcessing(ctx, now.Add(-2*time.Hour), "stale processing entry recovered", now)
	if err != nil {
		t.Fatalf("RecoverStaleProcessing: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d entries, want 1", n)
	}

	got, _, _ := st.GetQueueEntry(ctx, stale)
	if got.Status != "error" || got.ResultMessage == nil {
		t.Fatalf("stale entry not failed: %+v", got)
	}
	got, _, _ = st.GetQueueEntry(ctx, fresh)
	if got.Status != "processing" {
		t.Fatalf("fresh entry should stay processing, got %q", got.Status)
	}
}

func TestSlotStatusesAndCounts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rows := []QueueRow{
		{ScheduledDate: "2026-03-02", ScheduledTime: "09:30", Status: "pending"},
		{ScheduledDate: "2026-03-02", ScheduledTime: "09:30", Status: "completed"},
		{ScheduledDate: "2026-03-05", ScheduledTime: "12:00", Status: "pending"},
		{ScheduledDate: "2026-04-01", ScheduledTime: "12:00", Status: "pending"}, // outside window
	}
	for _, r := range rows {
		if _, err := st.InsertQueueEntry(ctx, r); err != nil {
			t.Fatalf("InsertQueueEntry: %v", err)
		}
	}

	got, err := st.SlotStatuses(ctx, "2026-03-01", "2026-03-31")
	if err != nil {
		t.Fatalf("SlotStatuses: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d slots, want 3", len(got))
	}

	n, err := st.CountAtSlot(ctx, "2026-03-02", "09:30")
	if err != nil {
		t.Fatalf("CountAtSlot: %v", err)
	}
	if n != 2 {
		t.Fatalf("entries at slot = %d, want 2", n)
	}
}

func TestPostLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.InsertPost(ctx, PostRow{
		Topic:     strPtr("ocean cleanup"),
		Caption:   "Cleaner seas start here",
		ImageURLs: []string{"https://img.example/a.jpg", "https://img.example/b.jpg"},
		Status:    "draft",
	})
	if err != nil {
		t.Fatalf("InsertPost: %v", err)
	}

	ok, err := st.UpdatePostStatusCAS(ctx, id, "draft", "generated", time.Time{})
	if err != nil || !ok {
		t.Fatalf("draft->generated: ok=%v err=%v", ok, err)
	}

	publishedAt := time.Date(2026, 3, 2, 9, 31, 0, 0, time.UTC)
	ok, err = st.MarkPostPublished(ctx, id, "generated", "17900001234567890", publishedAt)
	if err != nil || !ok {
		t.Fatalf("MarkPostPublished: ok=%v err=%v", ok, err)
	}

	got, _, _ := st.GetPost(ctx, id)
	if got.Status != "published_active" {
		t.Fatalf("status = %q, want published_active", got.Status)
	}
	if got.IGMediaID == nil || *got.IGMediaID != "17900001234567890" {
		t.Fatalf("media id not stored: %v", got.IGMediaID)
	}
	if got.PublishedAt == nil || !got.PublishedAt.Equal(publishedAt) {
		t.Fatalf("published_at = %v, want %v", got.PublishedAt, publishedAt)
	}
	if len(got.ImageURLs) != 2 {
		t.Fatalf("image urls lost: %v", got.ImageURLs)
	}

	byMedia, ok, err := st.GetPostByMediaID(ctx, "17900001234567890")
	if err != nil || !ok {
		t.Fatalf("GetPostByMediaID: ok=%v err=%v", ok, err)
	}
	if byMedia.ID != id {
		t.Fatalf("lookup by media id returned %d, want %d", byMedia.ID, id)
	}

	ok, err = st.MarkPostDeleted(ctx, id, time.Time{})
	if err != nil || !ok {
		t.Fatalf("MarkPostDeleted: ok=%v err=%v", ok, err)
	}
	got, _, _ = st.GetPost(ctx, id)
	if got.Status != "published_deleted" {
		t.Fatalf("status = %q, want published_deleted", got.Status)
	}
}

func TestMarkPostPublishErrorIncrementsAttempts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, _ := st.InsertPost(ctx, PostRow{Caption: "c", Status: "generated"})

	code := 4
	sub := 2207051
	if ok, err := st.MarkPostPublishError(ctx, id, "meta_rate_limit", &code, &sub, "rate limited", time.Time{}); err != nil || !ok {
		t.Fatalf("MarkPostPublishError: ok=%v err=%v", ok, err)
	}
	if ok, err := st.MarkPostPublishError(ctx, id, "publish_unknown", nil, nil, "try again", time.Time{}); err != nil || !ok {
		t.Fatalf("MarkPostPublishError second: ok=%v err=%v", ok, err)
	}

	got, _, _ := st.GetPost(ctx, id)
	if got.Status != "publish_error" {
		t.Fatalf("status = %q, want publish_error", got.Status)
	}
	if got.PublishAttempts != 2 {
		t.Fatalf("publish_attempts = %d, want 2", got.PublishAttempts)
	}
	if got.LastErrorTag == nil || *got.LastErrorTag != "publish_unknown" {
		t.Fatalf("last error tag = %v", got.LastErrorTag)
	}
	if got.LastErrorCode != nil {
		t.Fatalf("expected code cleared on second error, got %v", *got.LastErrorCode)
	}
}

func TestMarkPostPublishErrorKeepsPublishedPost(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, _ := st.InsertPost(ctx, PostRow{Caption: "c", Status: "generated"})
	if ok, err := st.MarkPostPublished(ctx, id, "generated", "17890000000000000", time.Now()); err != nil || !ok {
		t.Fatalf("MarkPostPublished: ok=%v err=%v", ok, err)
	}

	// A sweep can confirm the media live while the failing publisher is
	// still unwinding; the late error report must lose that race.
	ok, err := st.MarkPostPublishError(ctx, id, "publish_unknown", nil, nil, "late failure", time.Time{})
	if err != nil {
		t.Fatalf("MarkPostPublishError: %v", err)
	}
	if ok {
		t.Fatalf("publish error overwrote a published post")
	}

	got, _, _ := st.GetPost(ctx, id)
	if got.Status != "published_active" {
		t.Fatalf("status = %q, want published_active", got.Status)
	}
	if got.IGMediaID == nil || *got.IGMediaID != "17890000000000000" {
		t.Fatalf("media id lost: %v", got.IGMediaID)
	}
	if got.PublishAttempts != 0 {
		t.Fatalf("publish_attempts = %d, want 0", got.PublishAttempts)
	}
	if got.LastErrorTag != nil {
		t.Fatalf("error tag set on published post: %q", *got.LastErrorTag)
	}
}

func TestUpdatePostMetrics(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, _ := st.InsertPost(ctx, PostRow{Caption: "c", Status: "published_active"})
	m := MetricsUpdate{Likes: 120, Comments: 8, Reach: 4000, Saved: 15, Shares: 3, EngagementRate: 3.65}
	if err := st.UpdatePostMetrics(ctx, id, m, time.Time{}); err != nil {
		t.Fatalf("UpdatePostMetrics: %v", err)
	}

	got, _, _ := st.GetPost(ctx, id)
	if got.Likes == nil || *got.Likes != 120 {
		t.Fatalf("likes = %v, want 120", got.Likes)
	}
	if got.EngagementRate == nil || *got.EngagementRate != 3.65 {
		t.Fatalf("engagement rate = %v", got.EngagementRate)
	}
	if got.MetricsAt == nil || got.IGLastCheckedAt == nil {
		t.Fatalf("metric stamps missing: %+v", got)
	}
}

func TestListActiveForMetricsOrdering(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mkActive := func(media string) int64 {
		t.Helper()
		id, err := st.InsertPost(ctx, PostRow{Caption: "c", Status: "generated"})
		if err != nil {
			t.Fatalf("InsertPost: %v", err)
		}
		if _, err := st.MarkPostPublished(ctx, id, "generated", media, time.Now()); err != nil {
			t.Fatalf("MarkPostPublished: %v", err)
		}
		return id
	}

	neverChecked := mkActive("m1")
	checkedOld := mkActive("m2")
	checkedNew := mkActive("m3")

	if err := st.TouchPostChecked(ctx, checkedOld, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("TouchPostChecked: %v", err)
	}
	if err := st.TouchPostChecked(ctx, checkedNew, time.Now()); err != nil {
		t.Fatalf("TouchPostChecked: %v", err)
	}

	got, err := st.ListActiveForMetrics(ctx, 10)
	if err != nil {
		t.Fatalf("ListActiveForMetrics: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d posts, want 3", len(got))
	}
	if got[0].ID != neverChecked {
		t.Fatalf("never-checked post should come first, got %d", got[0].ID)
	}
	if got[1].ID != checkedOld || got[2].ID != checkedNew {
		t.Fatalf("stale-first ordering broken: %d, %d", got[1].ID, got[2].ID)
	}
}

func TestRecentPublishTimes(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	mk := func(status string, published time.Time) {
		t.Helper()
		id, err := st.InsertPost(ctx, PostRow{Caption: "c", Status: "generated"})
		if err != nil {
			t.Fatalf("InsertPost: %v", err)
		}
		if _, err := st.MarkPostPublished(ctx, id, "generated", "m", published); err != nil {
			t.Fatalf("MarkPostPublished: %v", err)
		}
		if status == "published_deleted" {
			if _, err := st.MarkPostDeleted(ctx, id, now); err != nil {
				t.Fatalf("MarkPostDeleted: %v", err)
			}
		}
	}

	mk("published_active", now.Add(-30*time.Minute))
	mk("published_deleted", now.Add(-2*time.Hour)) // deleted posts still consume quota
	mk("published_active", now.Add(-30*time.Hour)) // outside window

	times, err := st.RecentPublishTimes(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("RecentPublishTimes: %v", err)
	}
	if len(times) != 2 {
		t.Fatalf("got %d publish times, want 2", len(times))
	}
	if !times[0].Before(times[1]) {
		t.Fatalf("expected ascending order: %v", times)
	}
}

func TestPublishCutoffSubSecondBoundary(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Stored timestamps are compared as strings in SQL, so a whole-second
	// stamp must still sort below a cutoff later within the same second.
	published := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	id, err := st.InsertPost(ctx, PostRow{Caption: "c", Status: "generated"})
	if err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	if _, err := st.MarkPostPublished(ctx, id, "generated", "m", published); err != nil {
		t.Fatalf("MarkPostPublished: %v", err)
	}

	times, err := st.RecentPublishTimes(ctx, published.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("RecentPublishTimes: %v", err)
	}
	if len(times) != 0 {
		t.Fatalf("stamp before the cutoff leaked through: %v", times)
	}

	times, err = st.RecentPublishTimes(ctx, published.Add(-500*time.Millisecond))
	if err != nil {
		t.Fatalf("RecentPublishTimes: %v", err)
	}
	if len(times) != 1 || !times[0].Equal(published) {
		t.Fatalf("got %v, want [%v]", times, published)
	}
}

func TestRecoverStaleSubSecondBoundary(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	cutoff := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	started := cutoff.Add(500 * time.Millisecond)

	id, err := st.InsertQueueEntry(ctx, QueueRow{
		ScheduledDate: "2026-03-03",
		ScheduledTime: "12:00",
		Status:        "pending",
	})
	if err != nil {
		t.Fatalf("InsertQueueEntry: %v", err)
	}
	if ok, err := st.TransitionQueueEntry(ctx, id, "pending", "processing", nil, nil, -1, started); err != nil || !ok {
		t.Fatalf("TransitionQueueEntry: ok=%v err=%v", ok, err)
	}

	// Started after the cutoff, even by a fraction of a second: not stale.
	n, err := st.RecoverStaleProcessing(ctx, cutoff, "stale", time.Time{})
	if err != nil {
		t.Fatalf("RecoverStaleProcessing: %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered %d entries started after the cutoff", n)
	}

	n, err = st.RecoverStaleProcessing(ctx, started.Add(time.Second), "stale", time.Time{})
	if err != nil {
		t.Fatalf("RecoverStaleProcessing: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d entries, want 1", n)
	}
}

func TestScheduleConfigRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, _, ok, err := st.GetScheduleConfig(ctx)
	if err != nil {
		t.Fatalf("GetScheduleConfig empty: %v", err)
	}
	if ok {
		t.Fatalf("expected no schedule config in fresh store")
	}

	first := []byte(`{"enabled":true,"posting_days":["monday"],"posting_times":["09:30"]}`)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := st.PutScheduleConfig(ctx, first, ts); err != nil {
		t.Fatalf("PutScheduleConfig: %v", err)
	}

	payload, updatedAt, ok, err := st.GetScheduleConfig(ctx)
	if err != nil || !ok {
		t.Fatalf("GetScheduleConfig: ok=%v err=%v", ok, err)
	}
	if string(payload) != string(first) {
		t.Fatalf("payload mismatch: %s", payload)
	}
	if !updatedAt.Equal(ts) {
		t.Fatalf("updated_at = %v, want %v", updatedAt, ts)
	}

	second := []byte(`{"enabled":false}`)
	if err := st.PutScheduleConfig(ctx, second, ts.Add(time.Hour)); err != nil {
		t.Fatalf("PutScheduleConfig upsert: %v", err)
	}
	payload, _, _, err = st.GetScheduleConfig(ctx)
	if err != nil {
		t.Fatalf("GetScheduleConfig after upsert: %v", err)
	}
	if string(payload) != string(second) {
		t.Fatalf("upsert did not replace payload: %s", payload)
	}
}
