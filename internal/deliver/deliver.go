// Package deliver reports task progress and outcomes back to people. Chat
// gets tagged messages edited in place, the log channel keeps one running
// summary per task, and final notifications fan out to every surface that
// resolves for the user. Each surface fails independently; delivery never
// fails a task.
package deliver

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"valet/internal/config"
	"valet/internal/store"
	"valet/internal/tag"
	"valet/internal/telemetry"
)

// chatPoster is the chat surface the deliverer writes to.
type chatPoster interface {
	Post(ctx context.Context, channel, text string) (string, error)
	Edit(ctx context.Context, channel, messageID, text string) error
}

type telegramSender interface {
	Send(chatID int64, text string) error
}

type mailSender interface {
	Send(to, subject, body string) error
}

// Deliverer owns all outbound surfaces.
type Deliverer struct {
	cfg     config.DeliveryConfig
	chat    chatPoster
	st      *store.Store
	tg      telegramSender
	mail    mailSender
	botName string
	metrics *telemetry.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// New builds a deliverer from the deployment config. A nil chat client
// disables the chat surface; an empty telegram token or smtp address
// disables those surfaces.
func New(cfg config.Config, chat chatPoster, st *store.Store, metrics *telemetry.Metrics, log *slog.Logger) *Deliverer {
	d := &Deliverer{
		cfg:     cfg.Delivery,
		chat:    chat,
		st:      st,
		botName: cfg.Chat.BotName,
		metrics: metrics,
		log:     log.With("component", "deliver"),
		now:     time.Now,
	}
	if token := cfg.Delivery.Telegram.Token; token != "" {
		bot, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			d.log.Warn("telegram disabled", "error", err)
		} else {
			d.tg = &telegramBot{bot: bot}
		}
	}
	if cfg.Email.SMTPAddr != "" && cfg.Email.From != "" {
		d.mail = &smtpMailer{cfg: cfg.Email}
	}
	return d
}

// recordOwn caches a message the deliverer just posted, so the task link is
// known before the chat adapter sees the message come back.
func (d *Deliverer) recordOwn(ctx context.Context, channel, messageID, text string, taskID int64, role tag.Role) {
	err := d.st.UpsertMessage(ctx, store.CachedMessage{
		Channel:     channel,
		MessageID:   messageID,
		Sender:      d.botName,
		Content:     text,
		FromMe:      true,
		TaskRefID:   taskID,
		TaskRefRole: role,
	})
	if err != nil {
		d.log.Warn("cache own message", "channel", channel, "error", err)
	}
}

// DeliverResult fans the task outcome out to every resolvable surface:
// the originating chat channel, a telegram push, and email. Explicit
// per-user preferences beat deployment defaults; a surface that resolves
// to nothing is skipped silently.
func (d *Deliverer) DeliverResult(ctx context.Context, task *store.Task, summary string, failed bool) {
	text := summary
	if failed {
		text = "Task failed: " + summary
	}

	if d.chat != nil && task.Channel != "" {
		tagged := text + " [" + tag.Format(task.ID, tag.RoleResult) + "]"
		msgID, err := d.chat.Post(ctx, task.Channel, tagged)
		if err != nil {
			d.log.Error("post result to chat", "task_id", task.ID, "channel", task.Channel, "error", err)
		} else {
			d.recordOwn(ctx, task.Channel, msgID, tagged, task.ID, tag.RoleResult)
		}
	}

	prefs, err := d.st.GetNotifyPrefs(ctx, task.UserID)
	if err != nil {
		d.log.Warn("load notify prefs, using defaults", "user_id", task.UserID, "error", err)
		prefs = store.NotifyPrefs{UserID: task.UserID}
	}

	if d.tg != nil {
		chatID := prefs.PushChatID
		if chatID == 0 {
			chatID = d.cfg.Telegram.DefaultChatID
		}
		if chatID != 0 {
			if err := d.tg.Send(chatID, text); err != nil {
				d.log.Error("telegram push", "task_id", task.ID, "error", err)
			}
		}
	}

	if d.mail != nil {
		addr := prefs.Email
		if addr == "" {
			addr = d.cfg.DefaultEmail
		}
		if addr != "" {
			subject := fmt.Sprintf("Task #%d finished", task.ID)
			if failed {
				subject = fmt.Sprintf("Task #%d failed", task.ID)
			}
			if err := d.mail.Send(addr, subject, text); err != nil {
				d.log.Error("email notification", "task_id", task.ID, "error", err)
			}
		}
	}
}

type telegramBot struct {
	bot *tgbotapi.BotAPI
}

func (t *telegramBot) Send(chatID int64, text string) error {
	_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

type smtpMailer struct {
	cfg config.EmailConfig
}

func (m *smtpMailer) Send(to, subject, body string) error {
	host, _, ok := strings.Cut(m.cfg.SMTPAddr, ":")
	if !ok {
		host = m.cfg.SMTPAddr
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.cfg.From, to, subject, body)
	return smtp.SendMail(m.cfg.SMTPAddr, auth, m.cfg.From, []string{to}, []byte(msg))
}
