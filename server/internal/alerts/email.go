package alerts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/compute"
	"github.com/obsidianstack/ciwatch/server/internal/config"
	"github.com/obsidianstack/ciwatch/server/internal/store"
)

// ErrNoRecipients is returned by Mailer.Send when no address in the list is usable.
var ErrNoRecipients = errors.New("alerts: no valid email recipients")

// MailStatsDays is the window of the build stats quoted in failure mails.
const MailStatsDays = 30

// Mailer sends build mails and advice digests over SMTP. Build mails are sent
// in the background and errors are logged only.
type Mailer struct {
	cfg   config.EmailConfig
	store store.Store
	send  func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now   func() time.Time
	wg    sync.WaitGroup
}

// NewMailer creates a Mailer. st supplies the stats and advice quoted in
// failure mails.
func NewMailer(cfg config.EmailConfig, st store.Store) *Mailer {
	return &Mailer{cfg: cfg, store: st, send: smtp.SendMail, now: time.Now}
}

// Notify mails the configured recipients about a newly raised failure.
func (m *Mailer) Notify(f Failure) {
	if len(m.cfg.Recipients) == 0 {
		return
	}
	m.background(f.Alert.Pipeline, f.Alert.BuildNumber, func() error {
		subject, body, err := m.failureMail(context.Background(), f)
		if err != nil {
			return err
		}
		return m.Send(m.cfg.Recipients, subject, body, false)
	})
}

// BuildFinished mails a success notice for b when success mails are enabled.
// Failed builds are mailed through Notify.
func (m *Mailer) BuildFinished(b types.Build) {
	if !m.cfg.NotifySuccess || b.Outcome != types.OutcomeSuccess || len(m.cfg.Recipients) == 0 {
		return
	}
	m.background(b.Pipeline, b.Number, func() error {
		subject, body := successMail(b)
		return m.Send(m.cfg.Recipients, subject, body, false)
	})
}

// Wait blocks until background mails finish.
func (m *Mailer) Wait() { m.wg.Wait() }

func (m *Mailer) background(pipeline string, number int64, fn func() error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := fn(); err != nil {
			slog.Error("alerts: mail delivery failed", "pipeline", pipeline, "build", number, "err", err)
		}
	}()
}

// Send delivers one message. Addresses without an "@" are dropped.
func (m *Mailer) Send(to []string, subject, body string, html bool) error {
	rcpt := validRecipients(to)
	if len(rcpt) == 0 {
		return ErrNoRecipients
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password(), m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	msg := compose(m.cfg.Sender(), rcpt, subject, body, html, m.now())
	if err := m.send(addr, auth, m.cfg.Sender(), rcpt, msg); err != nil {
		return fmt.Errorf("alerts: smtp send: %w", err)
	}
	slog.Info("alerts: mail sent", "subject", subject, "recipients", len(rcpt))
	return nil
}

func validRecipients(to []string) []string {
	var out []string
	for _, r := range to {
		r = strings.TrimSpace(r)
		if r != "" && strings.Contains(r, "@") {
			out = append(out, r)
		}
	}
	return out
}

func compose(from string, to []string, subject, body string, html bool, at time.Time) []byte {
	ctype := "text/plain"
	if html {
		ctype = "text/html"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", at.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s; charset=\"utf-8\"\r\n\r\n", ctype)
	b.WriteString(body)
	return b.Bytes()
}

func actor(b types.Build) string {
	if a := strings.TrimSpace(b.Actor); a != "" {
		return a
	}
	return types.DefaultActor
}

func seconds(d *float64) float64 {
	if d == nil {
		return 0
	}
	return *d
}

func successMail(b types.Build) (subject, body string) {
	subject = fmt.Sprintf("Build Success: %s #%d", b.Pipeline, b.Number)
	body = fmt.Sprintf("Jenkins Job: %s\n"+
		"Build Number: %d\n"+
		"Status: SUCCESS\n"+
		"Time: %s\n"+
		"Triggered By: %s\n"+
		"Duration: %.1fs\n"+
		"Message: Build completed successfully.\n",
		b.Pipeline, b.Number, b.StartedAt.UTC().Format(time.DateTime), actor(b), seconds(b.Duration))
	return subject, body
}

// failureMail quotes the build, recommendations and the pipeline's stats over
// the last MailStatsDays days.
func (m *Mailer) failureMail(ctx context.Context, f Failure) (subject, body string, err error) {
	a := f.Alert
	bs, err := m.store.ListBuilds(ctx, a.Pipeline, 0)
	if err != nil {
		return "", "", fmt.Errorf("load builds: %w", err)
	}
	window := compute.Since(bs, compute.DayOf(m.now()).AddDate(0, 0, -(MailStatsDays-1)))
	s := compute.Summarize(window)
	advice := compute.Advise(s, compute.Failures(window, 3))

	at := f.Build.StartedAt
	if at.IsZero() {
		at = a.FirstSeenAt
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Jenkins Job: %s\n", a.Pipeline)
	fmt.Fprintf(&sb, "Build Number: %d\n", a.BuildNumber)
	sb.WriteString("Status: FAILURE\n")
	fmt.Fprintf(&sb, "Time: %s\n", at.UTC().Format(time.DateTime))
	fmt.Fprintf(&sb, "Triggered By: %s\n", actor(f.Build))
	fmt.Fprintf(&sb, "Duration: %.1fs\n", seconds(f.Build.Duration))
	fmt.Fprintf(&sb, "URL: %s\n", f.Build.URL)
	fmt.Fprintf(&sb, "Reason: %s\n", f.Reason())
	sb.WriteString("Recommendations:\n")
	for _, line := range advice {
		fmt.Fprintf(&sb, "- %s\n", line)
	}
	sb.WriteString("Build Stats:\n")
	fmt.Fprintf(&sb, "Total: %d\nSuccess: %d\nFailure: %d\n", s.Total, s.Successful, s.Failed)
	fmt.Fprintf(&sb, "Success Rate: %.1f%%\nAvg Duration: %.1fs\n", s.SuccessRate, s.AvgDuration)

	return fmt.Sprintf("Build Failure: %s #%d", a.Pipeline, a.BuildNumber), sb.String(), nil
}

var digestTmpl = template.Must(template.New("digest").Parse(`<h3>CI/CD Health Advice{{if .Pipeline}} for {{.Pipeline}}{{end}}</h3>
<p><strong>Success rate:</strong> {{printf "%.1f" .Summary.SuccessRate}}%</p>
<p><strong>Average build time:</strong> {{printf "%.1f" .Summary.AvgDuration}}s</p>
<h4>Recommended Steps</h4>
<ul>{{range .Advice}}<li>{{.}}</li>{{end}}</ul>
<h4>Recent Failures</h4>
<ul>{{range .Failures}}<li>{{.Pipeline}} #{{.Number}} - {{.Outcome}}</li>{{end}}</ul>
`))

// AdviceDigest renders the HTML advice mail for one pipeline, or for every
// pipeline when pipeline is empty.
func AdviceDigest(pipeline string, s compute.Summary, advice []string, failures []types.Build) (subject, body string, err error) {
	var buf bytes.Buffer
	err = digestTmpl.Execute(&buf, struct {
		Pipeline string
		Summary  compute.Summary
		Advice   []string
		Failures []types.Build
	}{pipeline, s, advice, failures})
	if err != nil {
		return "", "", fmt.Errorf("alerts: render digest: %w", err)
	}
	subject = "CI/CD Advice"
	if pipeline != "" {
		subject += " for " + pipeline
	}
	return subject, buf.String(), nil
}
