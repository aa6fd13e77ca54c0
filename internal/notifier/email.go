package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"review-radar/internal/orchestrator"
)

// EmailConfig 邮件配置。
type EmailConfig struct {
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	Username string   `yaml:"username" json:"username"`
	Password string   `yaml:"password" json:"password"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
	Subject  string   `yaml:"subject" json:"subject"`
}

// EmailMessage 表示一封邮件。
type EmailMessage struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// EmailSender 抽象发送接口，便于测试替换。
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SMTPClient 封装 SMTP 发送。
type SMTPClient struct {
	addr string
	auth smtp.Auth
}

func NewSMTPClient(cfg EmailConfig) *SMTPClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPClient{addr: addr, auth: auth}
}

func (c *SMTPClient) Send(ctx context.Context, msg EmailMessage) error {
	data := buildEmailData(msg)
	return smtp.SendMail(c.addr, c.auth, msg.From, msg.To, []byte(data))
}

// EmailNotifier 负责将紧急点评汇总发送邮件。
type EmailNotifier struct {
	cfg    EmailConfig
	sender EmailSender
}

// NewEmailNotifier 创建 EmailNotifier。
func NewEmailNotifier(cfg EmailConfig, sender EmailSender) *EmailNotifier {
	if sender == nil {
		sender = NewSMTPClient(cfg)
	}
	return &EmailNotifier{cfg: cfg, sender: sender}
}

// Notify 将紧急点评汇总发送邮件，若列表为空则跳过。
func (n EmailNotifier) Notify(ctx context.Context, reviews []orchestrator.AnalyzedReview) error {
	if len(reviews) == 0 {
		return nil
	}

	subject := n.cfg.Subject
	if subject == "" {
		subject = fmt.Sprintf("%d urgent reviews need attention", len(reviews))
	}
	msg := EmailMessage{
		From:    n.cfg.From,
		To:      n.cfg.To,
		Subject: subject,
		Body:    buildBody(reviews),
	}
	return n.sender.Send(ctx, msg)
}

// buildBody 按紧急度从高到低列出点评，便于收件人优先处理最严重的。
func buildBody(reviews []orchestrator.AnalyzedReview) string {
	sorted := make([]orchestrator.AnalyzedReview, len(reviews))
	copy(sorted, reviews)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Metadata.UrgencyScore > sorted[j].Metadata.UrgencyScore
	})

	var b strings.Builder
	b.WriteString("Urgent reviews:\n")
	for _, r := range sorted {
		b.WriteString(fmt.Sprintf("- [urgency %d, %s] %s/%s",
			r.Metadata.UrgencyScore, r.Metadata.EmotionalState,
			r.Review.Platform, r.Review.AuthorName))
		if r.Review.Rating != nil {
			b.WriteString(fmt.Sprintf(" (rating %.1f)", *r.Review.Rating))
		}
		b.WriteString(": ")
		b.WriteString(excerpt(r.Review.Text, 120))
		b.WriteString("\n")
	}
	return b.String()
}

func excerpt(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

func buildEmailData(msg EmailMessage) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ",")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	return b.String()
}
