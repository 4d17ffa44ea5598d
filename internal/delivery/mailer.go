// Package delivery はダイジェストのメール配信を提供する。
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/jordan-wright/email"

	"github.com/hitoshi/digestcast/internal/model"
)

// SMTPConfig はSMTPサーバーの接続設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Addr はhost:port形式のアドレスを返す。
func (c SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Mailer はダイジェストをSMTPで送信する。
type Mailer struct {
	cfg    SMTPConfig
	logger *slog.Logger
	send   func(ctx context.Context, e *email.Email) error
}

// NewMailer はMailerの新しいインスタンスを生成する。
func NewMailer(cfg SMTPConfig, logger *slog.Logger) *Mailer {
	m := &Mailer{cfg: cfg, logger: logger}
	m.send = m.sendSMTP
	return m
}

// Deliver はダイジェストを宛先に送信する。添付ファイルはそのまま付与する。
func (m *Mailer) Deliver(ctx context.Context, recipient string, doc model.DigestDocument, attachments []model.Attachment) error {
	if strings.TrimSpace(recipient) == "" {
		return errors.New("宛先が指定されていません")
	}

	e := email.NewEmail()
	e.From = m.cfg.From
	e.To = []string{recipient}
	e.Subject = Subject(doc)
	e.Text = []byte(Body(doc))

	for _, a := range attachments {
		if _, err := e.Attach(bytes.NewReader(a.Data), a.Filename, a.ContentType); err != nil {
			return fmt.Errorf("添付ファイル %s の追加に失敗: %w", a.Filename, err)
		}
	}

	if err := m.send(ctx, e); err != nil {
		return fmt.Errorf("メール送信に失敗: %w", err)
	}

	m.logger.Info("ダイジェストを送信しました",
		slog.String("run_id", doc.RunID),
		slog.String("recipient", recipient),
		slog.Int("attachment_count", len(attachments)),
	)
	return nil
}

func (m *Mailer) sendSMTP(ctx context.Context, e *email.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	return e.Send(m.cfg.Addr(), auth)
}

// Subject はメールの件名を返す。
func Subject(doc model.DigestDocument) string {
	return fmt.Sprintf("あなたのダイジェスト (%s)", doc.GeneratedAt.UTC().Format(model.DateLayout))
}

// Body はメール本文のテキストを返す。
// 音声の一部が無音で補われた場合はその旨を本文に記載する。
func Body(doc model.DigestDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "本日のダイジェスト（%d件）をお届けします。\n\n", len(doc.Items))

	for i, item := range doc.Items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item.Title)
		if item.Summary != "" && item.Summary != item.Title {
			fmt.Fprintf(&b, "   %s\n", item.Summary)
		}
		if item.Link != "" {
			fmt.Fprintf(&b, "   %s\n", item.Link)
		}
		b.WriteString("\n")
	}

	if doc.FallbackChunks > 0 {
		fmt.Fprintf(&b, "※ 音声合成サービスに接続できなかったため、音声の一部（%d箇所）は無音になっています。\n", doc.FallbackChunks)
	}
	return b.String()
}
