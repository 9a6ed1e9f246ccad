// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	AppName  string
	BaseURL  string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
	strip  *bluemonday.Policy
}

// NewService creates a new email service
func NewService(config Config) *Service {
	if config.AppName == "" {
		config.AppName = "Huddle"
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		strip:  bluemonday.StrictPolicy(),
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail delivers one HTML email to a single recipient.
func (s *Service) SendEmail(to, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("empty recipient")
	}
	return s.send(s.server, s.auth, s.config.From, []string{to}, s.buildMessage(to, subject, htmlBody))
}

func (s *Service) buildMessage(to, subject, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-huddle"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", s.plainText(htmlBody))
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return msg.Bytes()
}

// plainText drops all markup and decodes entities so the result can be
// re-escaped by a template or sent as text/plain.
func (s *Service) plainText(value string) string {
	return strings.TrimSpace(html.UnescapeString(s.strip.Sanitize(value)))
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}

type NotificationData struct {
	AppName string
	Title   string
	Body    string
}

type InviteData struct {
	AppName       string
	WorkspaceName string
	InviterEmail  string
	JoinURL       string
}

// RenderNotification builds the HTML body for a notification email. The
// body is stripped of markup first since it usually quotes user text.
func (s *Service) RenderNotification(title, body string) (string, error) {
	rendered, err := renderTemplate(notificationTemplate, NotificationData{
		AppName: s.config.AppName,
		Title:   title,
		Body:    s.plainText(body),
	})
	if err != nil {
		return "", fmt.Errorf("render notification template: %w", err)
	}
	return rendered, nil
}

// SendInvite emails an invitation to join a workspace.
func (s *Service) SendInvite(to, workspaceID, workspaceName, inviterEmail string) error {
	joinURL := ""
	if s.config.BaseURL != "" {
		joinURL = strings.TrimRight(s.config.BaseURL, "/") + "/workspaces/" + workspaceID + "/join"
	}
	rendered, err := renderTemplate(inviteTemplate, InviteData{
		AppName:       s.config.AppName,
		WorkspaceName: workspaceName,
		InviterEmail:  inviterEmail,
		JoinURL:       joinURL,
	})
	if err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}
	return s.SendEmail(to, "Invitation to join Workspace", rendered)
}

var (
	notificationTemplate = template.Must(template.New("notification").Parse(notificationEmailTemplate))
	inviteTemplate       = template.Must(template.New("invite").Parse(inviteEmailTemplate))
)

func renderTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const notificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .quote { background: #f5f7fa; padding: 12px; border-left: 3px solid #0066cc; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.Title}}</h2>

    <div class="quote">{{.Body}}</div>

    <div class="footer">
        <p>You are receiving this because you are a member of a {{.AppName}} workspace.</p>
    </div>
</body>
</html>`

const inviteEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Invitation to join {{.WorkspaceName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>{{.InviterEmail}} invited you to join the workspace <strong>{{.WorkspaceName}}</strong>.</p>
    {{if .JoinURL}}
    <p>
        <a href="{{.JoinURL}}" class="button">Join Workspace</a>
    </p>
    {{end}}
    <div class="footer">
        <p>If you were not expecting this invitation, you can safely ignore this email.</p>
    </div>
</body>
</html>`
