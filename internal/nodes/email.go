package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/convoflow/convoflow/pkg/schema"
)

// SMTPServer holds the connection settings for one outbound mail server.
type SMTPServer struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Sender   string `json:"sender,omitempty"`
}

func (s *SMTPServer) addr() string {
	port := s.Port
	if port == 0 {
		port = 587
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// EmailExecutor renders and sends an email, then continues. Send failures
// are logged and never block the conversation.
type EmailExecutor struct {
	// Servers maps server_id to SMTP settings; "" is the default server.
	Servers map[string]*SMTPServer
	// Send is swappable for tests; defaults to smtp.SendMail.
	Send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (e *EmailExecutor) Type() schema.NodeType { return schema.NodeTypeEmail }

func (e *EmailExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Email
	env := ec.Env()

	server := e.Servers[cfg.ServerID]
	if server == nil {
		server = e.Servers[""]
	}
	if server == nil {
		ec.Log(ctx).Error("no smtp server configured", slog.String("server_id", cfg.ServerID))
		return Result{Next: cfg.OConnection}, nil
	}

	sender := ec.Renderer.RenderText(ctx, cfg.Sender, env)
	if sender == "" {
		sender = server.Sender
	}
	subject := ec.Renderer.RenderText(ctx, cfg.Subject, env)
	body := ec.Renderer.RenderText(ctx, cfg.Text, env)

	recipients := make([]string, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		if addr := ec.Renderer.RenderText(ctx, r, env); addr != "" {
			recipients = append(recipients, addr)
		}
	}
	if len(recipients) == 0 {
		ec.Log(ctx).Warn("email has no recipients after rendering")
		return Result{Next: cfg.OConnection}, nil
	}

	contentType := "text/plain"
	if cfg.Format == "html" {
		contentType = "text/html"
	}
	msg := buildMessage(sender, recipients, subject, contentType, body)

	send := e.Send
	if send == nil {
		send = smtp.SendMail
	}
	var auth smtp.Auth
	if server.Username != "" {
		auth = smtp.PlainAuth("", server.Username, server.Password, server.Host)
	}
	if err := send(server.addr(), auth, sender, recipients, msg); err != nil {
		ec.Log(ctx).Error("send email failed",
			slog.String("server", server.addr()), slog.String("error", err.Error()))
	}

	return Result{Next: cfg.OConnection}, nil
}

func buildMessage(from string, to []string, subject, contentType, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s; charset=\"UTF-8\"\r\n", contentType)
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
