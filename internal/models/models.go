package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// EmailPattern is the syntactic shape a recipient or sender address must
// match. Anything stricter is the mail provider's problem.
var EmailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// NormalizeEmail returns the dedup identity of an address: trimmed and
// lower-cased.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Sender struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// SignatureName resolves the name shown in the signature block: the display
// name when set, otherwise the bare address.
func (s Sender) SignatureName() string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return s.Email
}

type SMTPConfig struct {
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	Username    string        `json:"username"`
	Password    string        `json:"password"`
	UseSSL      bool          `json:"use_ssl"`
	UseStartTLS bool          `json:"use_starttls"`
	Timeout     time.Duration `json:"-"`
}

var ErrTLSConflict = errors.New("smtp config conflict: use_ssl and use_starttls cannot both be enabled")

func (c SMTPConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("smtp host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("smtp port out of range: %d", c.Port)
	}
	if c.UseSSL && c.UseStartTLS {
		return ErrTLSConflict
	}
	return nil
}

type Template struct {
	Subject  string `json:"subject"`
	BodyText string `json:"body_text"`
	BodyHTML string `json:"body_html,omitempty"`
}

type SendOptions struct {
	MinDelaySec    int  `json:"min_delay_sec"`
	MaxDelaySec    int  `json:"max_delay_sec"`
	RandomizeOrder bool `json:"randomize_order"`
	RetryCount     int  `json:"retry_count"`
	SkipSent       bool `json:"skip_sent"`
}

// Job is a fully resolved send job. It is built once by the control layer
// and consumed by exactly one engine invocation, which never mutates it.
type Job struct {
	JobID             string      `json:"job_id"`
	Sender            Sender      `json:"sender"`
	SMTP              SMTPConfig  `json:"smtp"`
	Template          Template    `json:"template"`
	Recipients        []Recipient `json:"recipients"`
	Attachments       []string    `json:"attachments"`
	Options           SendOptions `json:"options"`
	SentStoreFile     string      `json:"sent_store_file"`
	SentStoreTextFile string      `json:"sent_store_text_file,omitempty"`
}

// DeliveryRecord is one ledger line: durable proof that a recipient was
// delivered to. Records are appended exactly once and never rewritten.
type DeliveryRecord struct {
	Email  string    `json:"email"`
	Name   string    `json:"name"`
	JobID  string    `json:"job_id"`
	SentAt time.Time `json:"sent_at"`
}
