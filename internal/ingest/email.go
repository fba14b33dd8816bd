package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"valet/internal/config"
	"valet/internal/store"
)

// EmailAdapter polls an IMAP mailbox and turns each unseen thread into a
// task. Deduplication keys on a normalized subject plus sender, never on
// IMAP uids, which providers reassign freely.
type EmailAdapter struct {
	cfg   config.EmailConfig
	store *store.Store
	log   *slog.Logger

	// dial is swapped in tests.
	dial func(addr string) (imapSession, error)
}

type imapSession interface {
	Login(username, password string) error
	Select(mailbox string) error
	FetchUnseen() ([]InboundEmail, error)
	MarkSeen(uids []uint32) error
	Close() error
}

// InboundEmail is the subset of an IMAP message the adapter consumes.
type InboundEmail struct {
	UID     uint32
	Subject string
	Sender  string
	Body    string
}

func NewEmailAdapter(cfg config.EmailConfig, st *store.Store, log *slog.Logger) *EmailAdapter {
	return &EmailAdapter{
		cfg:   cfg,
		store: st,
		log:   log.With("adapter", "email"),
		dial:  dialIMAP,
	}
}

// Poll connects, fetches unseen mail, and creates one task per new thread.
// Already-registered threads are marked seen without a second task.
func (a *EmailAdapter) Poll(ctx context.Context) ([]int64, error) {
	session, err := a.dial(a.cfg.IMAPAddr)
	if err != nil {
		return nil, fmt.Errorf("dial imap: %w", err)
	}
	defer session.Close()

	if err := session.Login(a.cfg.Username, a.cfg.Password); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if err := session.Select(a.cfg.Mailbox); err != nil {
		return nil, fmt.Errorf("select mailbox %s: %w", a.cfg.Mailbox, err)
	}
	mails, err := session.FetchUnseen()
	if err != nil {
		return nil, fmt.Errorf("fetch unseen: %w", err)
	}

	var created []int64
	var processed []uint32
	for _, mail := range mails {
		id, err := a.handleMail(ctx, mail)
		if err != nil {
			a.log.Warn("mail handling failed", "uid", mail.UID, "error", err)
			continue
		}
		processed = append(processed, mail.UID)
		if id != 0 {
			created = append(created, id)
		}
	}
	if len(processed) > 0 {
		if err := session.MarkSeen(processed); err != nil {
			// Reprocessing is harmless: the thread registry dedups.
			a.log.Warn("mark seen failed", "error", err)
		}
	}
	return created, nil
}

func (a *EmailAdapter) handleMail(ctx context.Context, mail InboundEmail) (int64, error) {
	key := ThreadKey(mail.Subject, mail.Sender)
	existing, err := a.store.EmailThreadTaskID(ctx, key)
	if err != nil {
		return 0, err
	}
	if existing != 0 {
		return 0, nil
	}

	prompt := strings.TrimSpace(mail.Subject)
	if body := strings.TrimSpace(mail.Body); body != "" {
		prompt = prompt + "\n\n" + body
	}
	taskID, fresh, err := a.store.CreateEmailTask(ctx, key, store.NewTask{
		Prompt: prompt,
		UserID: a.cfg.OwnerUserID,
		Source: store.SourceEmail,
		Queue:  store.QueueBackground,
	})
	if err != nil {
		return 0, err
	}
	if !fresh {
		return 0, nil
	}
	a.log.Info("task created from email", "task_id", taskID, "thread", key)
	return taskID, nil
}

// ThreadKey derives the stable thread identity for a mail: the subject with
// reply and forward prefixes peeled off, lower-cased and whitespace
// collapsed, joined with the lower-cased sender address.
func ThreadKey(subject, sender string) string {
	return normalizeSubject(subject) + "|" + strings.ToLower(strings.TrimSpace(sender))
}

func normalizeSubject(subject string) string {
	norm := strings.ToLower(strings.TrimSpace(subject))
	for {
		stripped := norm
		for _, prefix := range []string{"re:", "fwd:", "fw:"} {
			stripped = strings.TrimSpace(strings.TrimPrefix(stripped, prefix))
		}
		if stripped == norm {
			break
		}
		norm = stripped
	}
	return whitespaceRe.ReplaceAllString(norm, " ")
}

// dialIMAP opens a TLS session against a real server.
func dialIMAP(addr string) (imapSession, error) {
	c, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, err
	}
	return &liveIMAPSession{client: c}, nil
}

type liveIMAPSession struct {
	client *imapclient.Client
}

func (s *liveIMAPSession) Login(username, password string) error {
	return s.client.Login(username, password).Wait()
}

func (s *liveIMAPSession) Select(mailbox string) error {
	_, err := s.client.Select(mailbox, nil).Wait()
	return err
}

func (s *liveIMAPSession) FetchUnseen() ([]InboundEmail, error) {
	searchData, err := s.client.Search(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	nums := searchData.AllSeqNums()
	if len(nums) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierText}
	fetchCmd := s.client.Fetch(imap.SeqSetNum(nums...), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var out []InboundEmail
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("collect message: %w", err)
		}
		mail := InboundEmail{UID: uint32(buf.UID)}
		if buf.Envelope != nil {
			mail.Subject = buf.Envelope.Subject
			if len(buf.Envelope.From) > 0 {
				mail.Sender = buf.Envelope.From[0].Addr()
			}
		}
		if body := buf.FindBodySection(bodySection); body != nil {
			mail.Body = string(body)
		}
		out = append(out, mail)
	}
	return out, nil
}

func (s *liveIMAPSession) MarkSeen(uids []uint32) error {
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	storeCmd := s.client.Store(set, &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagSeen},
	}, nil)
	return storeCmd.Close()
}

func (s *liveIMAPSession) Close() error {
	if err := s.client.Logout().Wait(); err != nil && err != io.EOF {
		return err
	}
	return s.client.Close()
}
