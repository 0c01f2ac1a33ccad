// Package notify mails audit events to operators.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/foxzi/tplsync/internal/audit"
)

// TLS modes
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// DefaultEvents are the event types mailed when Options.Events is empty
var DefaultEvents = []string{audit.TypeCredentialsMismatch, audit.TypeCredentialsInvalid}

type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      string
	// InsecureSkipVerify disables certificate checks, for test relays only
	InsecureSkipVerify bool

	From   string
	To     []string
	Events []string

	DKIMDomain   string
	DKIMSelector string
	DKIMKeyFile  string
}

// Mailer is an audit sink that sends one mail per selected event
type Mailer struct {
	opts   Options
	events map[string]bool
	signer *dkimSigner
	logger *slog.Logger
}

// NewMailer validates opts and loads the DKIM key when one is configured
func NewMailer(opts Options, logger *slog.Logger) (*Mailer, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("notify: host is required")
	}
	if opts.From == "" || len(opts.To) == 0 {
		return nil, fmt.Errorf("notify: from and to are required")
	}
	if opts.Port == 0 {
		opts.Port = 587
	}
	switch opts.TLS {
	case "":
		opts.TLS = TLSStartTLS
	case TLSNone, TLSStartTLS, TLSImplicit:
	default:
		return nil, fmt.Errorf("notify: unknown tls mode %q", opts.TLS)
	}
	if len(opts.Events) == 0 {
		opts.Events = DefaultEvents
	}

	m := &Mailer{
		opts:   opts,
		events: make(map[string]bool, len(opts.Events)),
		logger: logger.With("component", "notify"),
	}
	for _, e := range opts.Events {
		m.events[e] = true
	}

	if opts.DKIMKeyFile != "" {
		signer, err := newDKIMSigner(opts.DKIMKeyFile, opts.DKIMDomain, opts.DKIMSelector)
		if err != nil {
			return nil, err
		}
		m.signer = signer
	}
	return m, nil
}

// Notify mails e if its type is selected
func (m *Mailer) Notify(ctx context.Context, e audit.Event) error {
	if !m.events[e.Type] {
		return nil
	}

	msg := m.compose(e)
	if m.signer != nil {
		signed, err := m.signer.sign(msg)
		if err != nil {
			return err
		}
		msg = signed
	}

	if err := m.send(ctx, msg); err != nil {
		return fmt.Errorf("failed to mail %s event: %w", e.Type, err)
	}
	m.logger.Info("alert mailed", "type", e.Type, "agent_id", e.AgentID, "recipients", len(m.opts.To))
	return nil
}

func (m *Mailer) compose(e audit.Event) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		b.WriteString(k + ": " + v + "\r\n")
	}

	domain := "localhost"
	if at := strings.LastIndex(m.opts.From, "@"); at >= 0 {
		domain = m.opts.From[at+1:]
	}

	header("From", m.opts.From)
	header("To", strings.Join(m.opts.To, ", "))
	header("Subject", fmt.Sprintf("[tplsync] %s: agent %s", e.Type, e.AgentID))
	header("Date", e.Time.Format(time.RFC1123Z))
	header("Message-ID", "<"+uuid.New().String()+"@"+domain+">")
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	line := func(k, v string) {
		if v != "" {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString(e.Message + "\r\n\r\n")
	line("Event", e.Type)
	line("Time", e.Time.UTC().Format(time.RFC3339))
	line("Agent", e.AgentID)
	line("Sub-account", e.SubAccountID)
	line("Template", e.TemplateID)
	line("Version", e.VersionID)
	line("Remote", e.RemoteID)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line(k, e.Data[k])
	}
	return b.Bytes()
}

func (m *Mailer) send(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	tlsConfig := &tls.Config{ServerName: m.opts.Host, InsecureSkipVerify: m.opts.InsecureSkipVerify}

	var (
		c   *smtp.Client
		err error
	)
	switch m.opts.TLS {
	case TLSImplicit:
		c, err = smtp.DialTLS(addr, tlsConfig)
	case TLSStartTLS:
		c, err = smtp.DialStartTLS(addr, tlsConfig)
	default:
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer c.Close()

	if deadline, ok := ctx.Deadline(); ok {
		c.CommandTimeout = time.Until(deadline)
		c.SubmissionTimeout = time.Until(deadline)
	}

	if m.opts.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", m.opts.Username, m.opts.Password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.SendMail(m.opts.From, m.opts.To, bytes.NewReader(msg)); err != nil {
		return err
	}
	return c.Quit()
}
