package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gearloop/marketplace/internal/config"
	"github.com/gearloop/marketplace/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/wneessen/go-mail"
)

// Message is one plain-text email
type Message struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

// Mailer delivers email
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of sending them
type LogMailer struct{}

// Send logs the message
func (LogMailer) Send(ctx context.Context, msg Message) error {
	log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("body", msg.Body).
		Msg("Email (not sent, SMTP disabled)")
	return nil
}

// SMTPMailer sends email through an SMTP relay
type SMTPMailer struct {
	cfg *config.SMTPConfig
}

// NewSMTPMailer creates a mailer for the configured relay
func NewSMTPMailer(cfg *config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send dials the relay and sends msg
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	out := mail.NewMsg()
	if err := out.FromFormat(m.cfg.FromName, m.cfg.FromEmail); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := out.AddToFormat(msg.ToName, msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	out.Subject(msg.Subject)
	out.SetMessageID()
	out.SetDate()
	out.SetBodyString(mail.TypeTextPlain, msg.Body)

	client, err := mail.NewClient(m.cfg.Host, m.options()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, out); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (m *SMTPMailer) options() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTimeout(m.cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.cfg.RequireTLS {
		opts[2] = mail.WithTLSPolicy(mail.TLSMandatory)
	}
	if m.cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.User),
			mail.WithPassword(m.cfg.Password),
		)
	}
	return opts
}

// NewMailer picks the SMTP mailer when a relay is configured, otherwise the log mailer
func NewMailer(cfg *config.SMTPConfig) Mailer {
	if cfg.Host == "" {
		log.Warn().Msg("SMTP_HOST not set, notifications will only be logged")
		return LogMailer{}
	}
	return NewBreakerMailer(NewSMTPMailer(cfg), DefaultBreakerConfig())
}

// ErrMailerUnavailable is returned while the breaker is open
var ErrMailerUnavailable = errors.New("mailer unavailable")

// BreakerConfig holds circuit breaker configuration for the mailer
type BreakerConfig struct {
	// MaxRequests is the number of trial sends while half-open
	MaxRequests uint32
	// Interval clears failure counts while closed
	Interval time.Duration
	// Timeout is how long the breaker stays open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures that opens it
	FailureThreshold uint32
}

// DefaultBreakerConfig returns the default mailer breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// BreakerMailer stops calling a failing relay until it recovers
type BreakerMailer struct {
	next Mailer
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerMailer wraps next in a circuit breaker
func NewBreakerMailer(next Mailer, cfg BreakerConfig) *BreakerMailer {
	const name = "smtp"
	monitoring.SetCircuitBreakerState(name, stateValue(gobreaker.StateClosed))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			monitoring.SetCircuitBreakerState(name, stateValue(to))
			log.Warn().
				Str("circuit_breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// A cancelled send says nothing about the relay
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerMailer{next: next, cb: cb}
}

// Send delivers msg unless the breaker is open
func (b *BreakerMailer) Send(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrMailerUnavailable, err)
	}
	return err
}

// State reports the breaker state
func (b *BreakerMailer) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
