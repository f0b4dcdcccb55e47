// Package notify delivers job processing reports. Destinations are built
// from config, email and webhooks supported. A nil *Service is a valid
// "notifications disabled" state, callers guard with a typed-nil check.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Service delivers processing reports to all configured destinations.
type Service struct {
	Params

	destinations []notify.Notifier
	fromEmail    string
	toEmail      []string
	toWebhooks   []string
}

// Params defines what gets notified and how the messages are made
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	ErrorTemplate      string // file with custom error template, empty uses the default
	CompletionTemplate string // file with custom completion template, empty uses the default
	HostName           string
}

// SendersParams holds params for all supported senders
type SendersParams struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPStartTLS bool
	SMTPTimeOut  time.Duration
	FromEmail    string
	ToEmails     []string

	WebhookURLs    []string
	WebhookTimeOut time.Duration
	WebhookHeaders []string
}

// NewService makes notification service with senders built from sp.
// Returns nil if no destinations are set.
func NewService(p Params, sp SendersParams) *Service {
	res := Service{Params: p}

	if len(sp.ToEmails) > 0 {
		res.destinations = append(res.destinations, notify.NewEmail(notify.SMTPParams{
			Host:        sp.SMTPHost,
			Port:        sp.SMTPPort,
			TLS:         sp.SMTPTLS,
			StartTLS:    sp.SMTPStartTLS,
			ContentType: "text/html",
			Username:    sp.SMTPUsername,
			Password:    sp.SMTPPassword,
			TimeOut:     sp.SMTPTimeOut,
		}))
		res.fromEmail = sp.FromEmail
		res.toEmail = sp.ToEmails
	}

	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{
			Timeout: sp.WebhookTimeOut,
			Headers: sp.WebhookHeaders,
		}))
		res.toWebhooks = sp.WebhookURLs
	}

	if len(res.destinations) == 0 {
		return nil
	}
	return &res
}

// Send text with subject to all destinations, collects failures across
// destinations and keeps going.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	log.Printf("[DEBUG] send notification %q", subj)
	var errs error
	for _, d := range s.destinations {
		switch d.Schema() {
		case "mailto":
			dest := fmt.Sprintf("mailto:%s?from=%s&subject=%s",
				strings.Join(s.toEmail, ","), s.fromEmail, url.QueryEscape(subj))
			if err := d.Send(ctx, dest, text); err != nil {
				errs = errors.Join(errs, err)
			}
		case "http", "https":
			for _, wh := range s.toWebhooks {
				if err := d.Send(ctx, wh, text); err != nil {
					errs = errors.Join(errs, err)
				}
			}
		}
	}
	return errs
}

// IsOnError status enabling on-error notification
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion status enabling on-completion notification
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

// MakeErrorHTML creates html body for failed job message
func (s *Service) MakeErrorHTML(job, command, errorLog string) (string, error) {
	data := struct {
		Job     string
		Command string
		TS      time.Time
		Error   string
		Host    string
	}{
		Job:     job,
		Command: command,
		TS:      time.Now(),
		Error:   errorLog,
		Host:    s.HostName,
	}
	return s.makeHTML(defaultErrorTemplate, s.ErrorTemplate, data)
}

// MakeCompletionHTML creates html body for completed job message
func (s *Service) MakeCompletionHTML(job, command string) (string, error) {
	data := struct {
		Job     string
		Command string
		TS      time.Time
		Host    string
	}{
		Job:     job,
		Command: command,
		TS:      time.Now(),
		Host:    s.HostName,
	}
	return s.makeHTML(defaultCompletionTemplate, s.CompletionTemplate, data)
}

// makeHTML renders the custom template if set and parseable, otherwise the
// default. Unreadable or broken custom templates degrade with a warning
// instead of killing notifications.
func (s *Service) makeHTML(defaultTmpl, customPath string, data any) (string, error) {
	tmpl := defaultTmpl
	if customPath != "" {
		b, err := os.ReadFile(customPath) // nolint gosec // path from the operator's config
		if err != nil {
			log.Printf("[WARN] can't read template %s, falling back to default: %v", customPath, err)
		} else {
			tmpl = string(b)
		}
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		if tmpl == defaultTmpl {
			return "", fmt.Errorf("can't parse message template: %w", err)
		}
		log.Printf("[WARN] can't parse template %s, falling back to default: %v", customPath, err)
		if t, err = template.New("msg").Parse(defaultTmpl); err != nil {
			return "", fmt.Errorf("can't parse message template: %w", err)
		}
	}

	buf := bytes.Buffer{}
	if err = t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

const defaultErrorTemplate = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				white-space: -moz-pre-wrap;
				white-space: -pre-wrap;
				white-space: -o-pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>

	<body>
		<p>Queue job failed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Command: <span class="bold">{{.Command}}</span></li>
			<li>Job: <span class="bold">{{.Job}}</span></li>
		</ul>

		<pre>
{{.Error}}
		</pre>
	</body>
</html>
`

const defaultCompletionTemplate = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			.bold {
				color: #288828;
				font-weight: 900;
			}
		</style>
	</head>

	<body>
		<p>Queue job completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Command: <span class="bold">{{.Command}}</span></li>
			<li>Job: <span class="bold">{{.Job}}</span></li>
		</ul>
	</body>
</html>
`
