package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

// NewMessageData feeds the admin notification for a visitor's message.
type NewMessageData struct {
	SiteName    string
	AuthorName  string
	AuthorEmail string
	Text        string
}

// ReplyData feeds the notification sent to a visitor when an admin replies.
type ReplyData struct {
	SiteName     string
	AdminName    string
	OriginalText string
	ReplyText    string
}

var (
	newMessageTemplate = template.Must(template.New("new_message").Parse(newMessageHTML))
	replyTemplate      = template.Must(template.New("reply").Parse(replyHTML))
)

// NewMessageEmail builds the notification sent to the site admin.
func NewMessageEmail(to string, data NewMessageData) (Email, error) {
	html, err := render(newMessageTemplate, data)
	if err != nil {
		return Email{}, fmt.Errorf("render new message template: %w", err)
	}
	return Email{
		To:      to,
		Subject: fmt.Sprintf("New chat message from %s", data.AuthorName),
		HTML:    html,
	}, nil
}

// ReplyEmail builds the notification sent to the author of a replied-to message.
func ReplyEmail(to string, data ReplyData) (Email, error) {
	html, err := render(replyTemplate, data)
	if err != nil {
		return Email{}, fmt.Errorf("render reply template: %w", err)
	}
	return Email{
		To:      to,
		Subject: fmt.Sprintf("%s replied to your message", data.AdminName),
		HTML:    html,
	}, nil
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const newMessageHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New message on {{.SiteName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .quote { border-left: 3px solid #0066cc; padding: 8px 12px; background: #f5f8fc; white-space: pre-wrap; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <h2>New message from {{.AuthorName}}</h2>
    {{if .AuthorEmail}}<p>{{.AuthorEmail}}</p>{{end}}
    <div class="quote">{{.Text}}</div>
    <div class="footer">
        <p>Sign in to the {{.SiteName}} chat to reply.</p>
    </div>
</body>
</html>`

const replyHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New reply on {{.SiteName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .quote { border-left: 3px solid #ccc; padding: 8px 12px; color: #666; white-space: pre-wrap; }
        .reply { border-left: 3px solid #0066cc; padding: 8px 12px; background: #f5f8fc; white-space: pre-wrap; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <h2>{{.AdminName}} replied to your message</h2>
    <p>You wrote:</p>
    <div class="quote">{{.OriginalText}}</div>
    <p>Reply:</p>
    <div class="reply">{{.ReplyText}}</div>
    <div class="footer">
        <p>Visit {{.SiteName}} to continue the conversation.</p>
    </div>
</body>
</html>`
