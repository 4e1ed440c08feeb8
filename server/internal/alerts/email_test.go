package alerts

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/ciwatch/pkg/types"
	"github.com/obsidianstack/ciwatch/server/internal/compute"
	"github.com/obsidianstack/ciwatch/server/internal/config"
	"github.com/obsidianstack/ciwatch/server/internal/store"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

type mailbox struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (mb *mailbox) send(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.err != nil {
		return mb.err
	}
	mb.sent = append(mb.sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
	return nil
}

func (mb *mailbox) all() []sentMail {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]sentMail(nil), mb.sent...)
}

var mailCfg = config.EmailConfig{
	Host:       "smtp.example.com",
	Port:       587,
	Username:   "ci@example.com",
	Recipients: []string{"dev@example.com", "not-an-address"},
}

func newMailer(t *testing.T, cfg config.EmailConfig) (*Mailer, *mailbox, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	mb := &mailbox{}
	m := NewMailer(cfg, st)
	m.send = mb.send
	m.now = func() time.Time { return t0 }
	return m, mb, st
}

func TestMailer_FailureMailQuotesStatsAndAdvice(t *testing.T) {
	m, mb, st := newMailer(t, mailCfg)
	ctx := context.Background()

	failed := types.Build{Pipeline: "integration-tests", Number: 67, StartedAt: t0.Add(-time.Hour),
		Outcome: types.OutcomeFailure, Duration: f64(240), URL: "http://jenkins/job/integration-tests/67/"}
	for _, b := range []types.Build{
		failed,
		{Pipeline: "integration-tests", Number: 66, StartedAt: t0.Add(-2 * time.Hour), Outcome: types.OutcomeSuccess, Duration: f64(200)},
	} {
		if err := st.UpsertBuild(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	m.Notify(Failure{Alert: types.AlertRecord{Pipeline: "integration-tests", BuildNumber: 67, FirstSeenAt: t0}, Build: failed})
	m.Wait()

	sent := mb.all()
	if len(sent) != 1 {
		t.Fatalf("mails: got %d, want 1", len(sent))
	}
	got := sent[0]
	if got.addr != "smtp.example.com:587" || got.from != "ci@example.com" {
		t.Errorf("envelope: got addr=%q from=%q", got.addr, got.from)
	}
	if len(got.to) != 1 || got.to[0] != "dev@example.com" {
		t.Errorf("recipients: got %v", got.to)
	}
	for _, want := range []string{
		"Subject: Build Failure: integration-tests #67",
		"Content-Type: text/plain",
		"Triggered By: admin",
		"Duration: 240.0s",
		"Reason: Build #67 finished as failure after 240.0s",
		"Recommendations:\n- ",
		"Total: 2\nSuccess: 1\nFailure: 1\nSuccess Rate: 50.0%",
	} {
		if !strings.Contains(got.msg, want) {
			t.Errorf("mail missing %q:\n%s", want, got.msg)
		}
	}
}

func TestMailer_SuccessMailOnlyWhenEnabled(t *testing.T) {
	ok := types.Build{Pipeline: "frontend-build", Number: 123, StartedAt: t0, Outcome: types.OutcomeSuccess,
		Duration: f64(180), Actor: "jdoe"}

	m, mb, _ := newMailer(t, mailCfg)
	m.BuildFinished(ok)
	m.Wait()
	if n := len(mb.all()); n != 0 {
		t.Fatalf("success mail sent with notify_success off: %d", n)
	}

	cfg := mailCfg
	cfg.NotifySuccess = true
	m, mb, _ = newMailer(t, cfg)
	m.BuildFinished(types.Build{Pipeline: "frontend-build", Number: 124, Outcome: types.OutcomeFailure})
	m.BuildFinished(ok)
	m.Wait()

	sent := mb.all()
	if len(sent) != 1 {
		t.Fatalf("mails: got %d, want 1", len(sent))
	}
	for _, want := range []string{"Build Success: frontend-build #123", "Triggered By: jdoe", "Duration: 180.0s"} {
		if !strings.Contains(sent[0].msg, want) {
			t.Errorf("mail missing %q:\n%s", want, sent[0].msg)
		}
	}
}

func TestMailer_Send(t *testing.T) {
	m, mb, _ := newMailer(t, mailCfg)

	if err := m.Send([]string{"", "nobody"}, "s", "b", false); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("invalid recipients: got %v, want ErrNoRecipients", err)
	}

	mb.err = errors.New("535 authentication failed")
	if err := m.Send([]string{"ops@example.com"}, "s", "b", true); err == nil {
		t.Fatal("expected smtp error")
	}

	mb.err = nil
	if err := m.Send([]string{" ops@example.com "}, "digest", "<p>hi</p>", true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := mb.all()
	if len(sent) != 1 || sent[0].to[0] != "ops@example.com" {
		t.Fatalf("sent: %+v", sent)
	}
	if !strings.Contains(sent[0].msg, "Content-Type: text/html") {
		t.Errorf("html mail content type: %s", sent[0].msg)
	}
}

func TestMailer_NoRecipientsSkipsNotify(t *testing.T) {
	cfg := mailCfg
	cfg.Recipients = nil
	m, mb, _ := newMailer(t, cfg)
	m.Notify(Failure{Alert: types.AlertRecord{Pipeline: "p", BuildNumber: 1}})
	m.Wait()
	if n := len(mb.all()); n != 0 {
		t.Errorf("mails: got %d, want 0", n)
	}
}

func TestAdviceDigest(t *testing.T) {
	s := compute.Summary{Total: 4, Successful: 3, Failed: 1, SuccessRate: 75, AvgDuration: 90}
	failures := []types.Build{{Pipeline: "integration-tests", Number: 67, Outcome: types.OutcomeFailure}}

	subject, body, err := AdviceDigest("integration-tests", s, []string{"Fix <flaky> tests"}, failures)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "CI/CD Advice for integration-tests" {
		t.Errorf("subject: got %q", subject)
	}
	for _, want := range []string{
		"CI/CD Health Advice for integration-tests",
		"<strong>Success rate:</strong> 75.0%",
		"<li>Fix &lt;flaky&gt; tests</li>",
		"<li>integration-tests #67 - failure</li>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("digest missing %q:\n%s", want, body)
		}
	}

	subject, _, err = AdviceDigest("", s, nil, nil)
	if err != nil || subject != "CI/CD Advice" {
		t.Errorf("fleet digest: subject=%q err=%v", subject, err)
	}
}
