package alerts

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"os"
	"strings"
)

// Mailer sends plain-text email over SMTP with TLS, or through the Plunk
// HTTP API when MAIL_PROVIDER=plunk.
type Mailer struct {
	provider string

	smtpHost string
	smtpPort string
	username string
	password string
	from     string

	plunkKey string
	plunkURL string
}

// NewMailerFromEnv loads mail configuration from the environment.
// SMTP: SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD, SMTP_FROM.
// Plunk: MAIL_PROVIDER=plunk plus PLUNK_API_KEY (optional PLUNK_API_URL).
func NewMailerFromEnv() (*Mailer, error) {
	m := &Mailer{
		provider: os.Getenv("MAIL_PROVIDER"),
		smtpHost: os.Getenv("SMTP_HOST"),
		smtpPort: os.Getenv("SMTP_PORT"),
		username: os.Getenv("SMTP_USERNAME"),
		password: os.Getenv("SMTP_PASSWORD"),
		from:     os.Getenv("SMTP_FROM"),
		plunkKey: os.Getenv("PLUNK_API_KEY"),
		plunkURL: os.Getenv("PLUNK_API_URL"),
	}
	if m.plunkURL == "" {
		m.plunkURL = "https://api.useplunk.com/v1/send"
	}
	if m.provider == "" && m.plunkKey != "" {
		m.provider = "plunk"
	}
	if m.provider == "plunk" {
		if m.plunkKey == "" {
			return nil, fmt.Errorf("plunk not configured: set PLUNK_API_KEY")
		}
		return m, nil
	}
	if m.smtpHost == "" || m.smtpPort == "" || m.username == "" || m.password == "" || m.from == "" {
		return nil, fmt.Errorf("smtp not configured: set SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD, SMTP_FROM (or MAIL_PROVIDER=plunk)")
	}
	return m, nil
}

func (m *Mailer) Send(to, subject, body string) error {
	if m == nil {
		return fmt.Errorf("mailer not configured")
	}
	if m.provider == "plunk" {
		return m.sendViaPlunk(to, subject, body)
	}
	return m.sendViaSMTP(to, subject, body)
}

func (m *Mailer) sendViaSMTP(to, subject, body string) error {
	addr := m.smtpHost + ":" + m.smtpPort

	msg := ""
	msg += fmt.Sprintf("From: %s\r\n", m.from)
	msg += fmt.Sprintf("To: %s\r\n", to)
	msg += fmt.Sprintf("Subject: %s\r\n", subject)
	if rt := os.Getenv("MAIL_REPLY_TO"); rt != "" {
		msg += fmt.Sprintf("Reply-To: %s\r\n", rt)
	}
	msg += "MIME-Version: 1.0\r\n"
	contentType := "text/plain"
	lb := strings.ToLower(body)
	if strings.Contains(lb, "<html") || strings.Contains(lb, "<body") {
		contentType = "text/html"
	}
	msg += fmt.Sprintf("Content-Type: %s; charset=\"utf-8\"\r\n", contentType)
	msg += "\r\n" + body + "\r\n"

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.smtpHost})
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, m.smtpHost)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	auth := smtp.PlainAuth("", m.username, m.password, m.smtpHost)
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := c.Mail(m.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := wc.Write([]byte(msg)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return c.Quit()
}

type plunkSendBody struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Reply   string `json:"reply,omitempty"`
}

func (m *Mailer) sendViaPlunk(to, subject, body string) error {
	payload := plunkSendBody{To: to, Subject: subject, Body: body, Reply: os.Getenv("MAIL_REPLY_TO")}
	b, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, m.plunkURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.plunkKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("plunk send failed: status=%d body=%s", resp.StatusCode, msg)
	}
	return nil
}
