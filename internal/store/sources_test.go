package store

import (
	"context"
	"testing"
	"time"
)

func TestChatWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.ChatWatermark(ctx, "c1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if id != "" {
		t.Fatalf("fresh watermark = %q, want empty", id)
	}

	if err := s.SetChatWatermark(ctx, "c1", "100"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetChatWatermark(ctx, "c1", "105"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	id, err = s.ChatWatermark(ctx, "c1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if id != "105" {
		t.Errorf("watermark = %q, want 105", id)
	}
}

func TestScheduleLastRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.ScheduleLastRun(ctx, "morning")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !last.IsZero() {
		t.Fatalf("fresh schedule last run = %v, want zero", last)
	}

	fired := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	if err := s.SetScheduleLastRun(ctx, "morning", fired); err != nil {
		t.Fatalf("set: %v", err)
	}
	last, err = s.ScheduleLastRun(ctx, "morning")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !last.Equal(fired) {
		t.Errorf("last run = %v, want %v", last, fired)
	}
}

func TestCreateChecklistTask_Dedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nt := NewTask{Prompt: "p", UserID: "u", Source: SourceChecklist}

	id, fresh, err := s.CreateChecklistTask(ctx, "h1", nt)
	if err != nil || !fresh || id == 0 {
		t.Fatalf("first create: id=%d fresh=%v err=%v", id, fresh, err)
	}
	dupID, fresh, err := s.CreateChecklistTask(ctx, "h1", nt)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if fresh || dupID != 0 {
		t.Fatalf("duplicate hash created id=%d fresh=%v", dupID, fresh)
	}
	owner, err := s.ChecklistTaskID(ctx, "h1")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != id {
		t.Errorf("owner = %d, want %d", owner, id)
	}

	// The losing create leaves no task row behind.
	counts, err := s.TaskStatusCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 1 {
		t.Errorf("pending = %d, want 1", counts.Pending)
	}
}

func TestCreateEmailTask_Dedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nt := NewTask{Prompt: "p", UserID: "u", Source: SourceEmail}
	key := "weekly report|boss@example.com"

	id, fresh, err := s.CreateEmailTask(ctx, key, nt)
	if err != nil || !fresh || id == 0 {
		t.Fatalf("first create: id=%d fresh=%v err=%v", id, fresh, err)
	}
	dupID, fresh, err := s.CreateEmailTask(ctx, key, nt)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if fresh || dupID != 0 {
		t.Fatalf("duplicate thread created id=%d fresh=%v", dupID, fresh)
	}
	counts, err := s.TaskStatusCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 1 {
		t.Errorf("pending = %d, want 1", counts.Pending)
	}
}

func TestNotifyPrefs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetNotifyPrefs(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.ChatChannel != "" || p.Email != "" || p.PushChatID != 0 {
		t.Fatalf("fresh prefs = %+v, want empty", p)
	}

	want := NotifyPrefs{UserID: "alice", ChatChannel: "dm-alice", Email: "alice@example.com", PushChatID: 42}
	if err := s.SetNotifyPrefs(ctx, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.GetNotifyPrefs(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != want {
		t.Errorf("prefs = %+v, want %+v", got, want)
	}
}

func TestResources_AddListRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddResource(ctx, UserResource{
		UserID: "alice", Type: "vault", Path: "/data/vault",
		Permission: PermissionReadWrite, Label: "main",
		Config: map[string]string{"api_key": "k"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.AddResource(ctx, UserResource{UserID: "alice", Type: "notes", Path: "/data/notes"}); err != nil {
		t.Fatalf("add second: %v", err)
	}

	vaults, err := s.ListResources(ctx, "alice", "vault")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(vaults) != 1 || vaults[0].ConfigField("api_key") != "k" || vaults[0].Permission != PermissionReadWrite {
		t.Fatalf("vaults = %+v", vaults)
	}

	all, err := s.ListResources(ctx, "alice", "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %+v", all)
	}

	ok, err := s.RemoveResource(ctx, "bob", id)
	if err != nil {
		t.Fatalf("remove wrong user: %v", err)
	}
	if ok {
		t.Fatal("foreign user must not revoke")
	}
	ok, err = s.RemoveResource(ctx, "alice", id)
	if err != nil || !ok {
		t.Fatalf("remove: ok=%v err=%v", ok, err)
	}
}
