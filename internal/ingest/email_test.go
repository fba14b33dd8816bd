package ingest

import (
	"context"
	"testing"

	"valet/internal/config"
	"valet/internal/store"
)

type fakeIMAPSession struct {
	mails  []InboundEmail
	seen   []uint32
	closed bool
}

func (f *fakeIMAPSession) Login(username, password string) error { return nil }
func (f *fakeIMAPSession) Select(mailbox string) error           { return nil }
func (f *fakeIMAPSession) FetchUnseen() ([]InboundEmail, error)  { return f.mails, nil }
func (f *fakeIMAPSession) MarkSeen(uids []uint32) error {
	f.seen = append(f.seen, uids...)
	return nil
}
func (f *fakeIMAPSession) Close() error {
	f.closed = true
	return nil
}

func newEmailAdapter(t *testing.T, st *store.Store, session *fakeIMAPSession) *EmailAdapter {
	t.Helper()
	cfg := config.EmailConfig{
		Enabled: true, IMAPAddr: "imap.example.com:993",
		Username: "valet", Mailbox: "INBOX", OwnerUserID: "owner",
	}
	a := NewEmailAdapter(cfg, st, testLogger())
	a.dial = func(addr string) (imapSession, error) { return session, nil }
	return a
}

func TestEmailPoll_NewThreadBecomesTask(t *testing.T) {
	st := testStore(t)
	session := &fakeIMAPSession{mails: []InboundEmail{
		{UID: 1, Subject: "Weekly report", Sender: "Boss@Example.com", Body: "please compile"},
	}}
	a := newEmailAdapter(t, st, session)
	ctx := context.Background()

	ids, err := a.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("created %d tasks, want 1", len(ids))
	}
	task, err := st.GetTask(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Source != store.SourceEmail || task.UserID != "owner" {
		t.Errorf("task = %+v", task)
	}
	if task.Prompt != "Weekly report\n\nplease compile" {
		t.Errorf("prompt = %q", task.Prompt)
	}
	if len(session.seen) != 1 || session.seen[0] != 1 {
		t.Errorf("seen = %v", session.seen)
	}
	if !session.closed {
		t.Error("session left open")
	}
}

func TestEmailPoll_ReplySameThreadNoDuplicate(t *testing.T) {
	st := testStore(t)
	a := newEmailAdapter(t, st, &fakeIMAPSession{mails: []InboundEmail{
		{UID: 1, Subject: "Weekly report", Sender: "boss@example.com"},
	}})
	ctx := context.Background()
	if _, err := a.Poll(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	// The provider re-delivers the thread as a reply with a new uid.
	a.dial = func(addr string) (imapSession, error) {
		return &fakeIMAPSession{mails: []InboundEmail{
			{UID: 99, Subject: "Re: Weekly report", Sender: "boss@example.com"},
		}}, nil
	}
	ids, err := a.Poll(ctx)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("reply created %d tasks, want 0", len(ids))
	}
}

func TestThreadKey(t *testing.T) {
	base := ThreadKey("Weekly report", "boss@example.com")
	same := []struct{ subject, sender string }{
		{"Re: Weekly report", "boss@example.com"},
		{"RE: re: Weekly report", "BOSS@example.com"},
		{"Fwd: Weekly   report", "boss@example.com"},
		{"FW: weekly report", "boss@example.com"},
	}
	for _, tc := range same {
		if ThreadKey(tc.subject, tc.sender) != base {
			t.Errorf("ThreadKey(%q, %q) != base", tc.subject, tc.sender)
		}
	}
	if ThreadKey("Weekly report", "other@example.com") == base {
		t.Error("different sender must produce a different key")
	}
	if ThreadKey("Monthly report", "boss@example.com") == base {
		t.Error("different subject must produce a different key")
	}
}
