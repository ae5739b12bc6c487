package notifier

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/inconshreveable/log15"
	"github.com/wneessen/go-mail"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/config"
)

const defaultSubject = "New Vulnerability Added to Database"

var noticeTemplate = template.Must(template.New("notice").Funcs(template.FuncMap{"scoreColor": scoreColor}).Parse(`<html>
<head>
<style>
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
tr:nth-child(even) { background-color: #f2f2f2; }
th { background-color: #333; color: white; }
</style>
</head>
<body>
<p>The following vulnerability has been added to the database:</p>
<table>
<tr><th>CVE ID</th><th>CVE Assigner</th><th>CVE Description</th><th>Reference Link</th><th>Published Date</th><th>Severity</th><th>Base Score</th></tr>
<tr>
<td>{{.CveID}}</td>
<td>{{.Assigner}}</td>
<td>{{.Description}}</td>
<td><a href="{{.Link}}">Link</a></td>
<td>{{with .PublishedAt}}{{.Format "2006-01-02 15:04"}}{{end}}</td>
<td>{{.BaseSeverity}}</td>
<td style="background-color: {{scoreColor .BaseScore}};">{{printf "%.1f" .BaseScore}}</td>
</tr>
</table>
</body>
</html>
`))

var overflowTemplate = template.Must(template.New("overflow").Parse(`<html>
<body>
<p>{{.Count}} new vulnerabilities scored {{printf "%.1f" .Threshold}} or higher. Too many to list; please review the database.</p>
</body>
</html>
`))

// green up to 4.0, orange up to 7.0, red above
func scoreColor(score float64) template.CSS {
	switch {
	case score <= 4.0:
		return "#2ecc71"
	case score <= 7.0:
		return "#f39c12"
	default:
		return "#e74c3c"
	}
}

// Mailer sends notices by SMTP
type Mailer struct {
	conf   config.SMTPConfig
	client *mail.Client
}

// NewMailer :
func NewMailer(conf config.SMTPConfig) (*Mailer, error) {
	opts := []mail.Option{
		mail.WithPort(conf.Port),
		mail.WithTLSPolicy(tlsPolicy(conf.TLSPolicy)),
	}
	if conf.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(conf.Username),
			mail.WithPassword(conf.Password),
		)
	}
	c, err := mail.NewClient(conf.Host, opts...)
	if err != nil {
		return nil, xerrors.Errorf("Failed to create mail client. err: %w", err)
	}
	return &Mailer{conf: conf, client: c}, nil
}

func tlsPolicy(s string) mail.TLSPolicy {
	switch s {
	case "none":
		return mail.NoTLS
	case "opportunistic":
		return mail.TLSOpportunistic
	}
	return mail.TLSMandatory
}

// Notify :
func (m *Mailer) Notify(ctx context.Context, n Notice) error {
	body, err := renderNotice(n)
	if err != nil {
		return xerrors.Errorf("Failed to render notice of %s. err: %v: %w", n.CveID, err, ErrDelivery)
	}
	return m.send(ctx, fmt.Sprintf("%s: %s", m.subject(), n.CveID), body)
}

// NotifyOverflow :
func (m *Mailer) NotifyOverflow(ctx context.Context, o Overflow) error {
	body, err := renderOverflow(o)
	if err != nil {
		return xerrors.Errorf("Failed to render overflow notice. err: %v: %w", err, ErrDelivery)
	}
	return m.send(ctx, fmt.Sprintf("%s: %d new vulnerabilities", m.subject(), o.Count), body)
}

func (m *Mailer) subject() string {
	if m.conf.Subject != "" {
		return m.conf.Subject
	}
	return defaultSubject
}

func (m *Mailer) send(ctx context.Context, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.conf.From); err != nil {
		return xerrors.Errorf("Failed to set From. err: %v: %w", err, ErrDelivery)
	}
	if err := msg.To(m.conf.To...); err != nil {
		return xerrors.Errorf("Failed to set To. err: %v: %w", err, ErrDelivery)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, body)

	log15.Info("Sending email", "to", m.conf.To, "subject", subject)
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return xerrors.Errorf("Failed to send email. err: %v: %w", err, ErrDelivery)
	}
	return nil
}

func renderNotice(n Notice) (string, error) {
	var buf bytes.Buffer
	if err := noticeTemplate.Execute(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderOverflow(o Overflow) (string, error) {
	var buf bytes.Buffer
	if err := overflowTemplate.Execute(&buf, o); err != nil {
		return "", err
	}
	return buf.String(), nil
}
