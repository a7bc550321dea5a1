// Package mail polls remote mailboxes over IMAP and POP3 and raises email
// triggers for messages that pass the configured filter.
package mail

import (
	"strings"
	"time"
)

// Config is the typed config document of an email trigger
type Config struct {
	Type             string `json:"type" validate:"required,oneof=imap pop3"`
	Host             string `json:"host" validate:"required"`
	Port             int    `json:"port" validate:"required,min=1,max=65535"`
	Secure           bool   `json:"secure"`
	Username         string `json:"username" validate:"required"`
	Password         string `json:"password" validate:"required"`
	FrequencyMinutes int    `json:"frequencyMinutes"`
	Filter           Filter `json:"filter"`
}

// Filter narrows which messages raise the trigger. BodyContains can never
// be pushed to the server and is always applied after parsing.
type Filter struct {
	From          string     `json:"from,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	BodyContains  string     `json:"bodyContains,omitempty"`
	IsUnread      *bool      `json:"isUnread,omitempty"`
	ReceivedAfter *time.Time `json:"receivedAfter,omitempty"`
}

// Attachment describes one attachment without carrying its content
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// InboundEmail is the protocol-independent shape both mailbox paths return
type InboundEmail struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments"`
	IsUnread    bool         `json:"is_unread"`
}

// ConnectionResult is the outcome of a mailbox connectivity probe
type ConnectionResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	MessageCount int    `json:"message_count,omitempty"`
}

// matchesClientSide applies the filter fields a given protocol could not
// evaluate on the server. Matching is case-insensitive substring matching.
func matchesClientSide(email InboundEmail, filter Filter, serverFiltered bool) bool {
	if filter.BodyContains != "" &&
		!strings.Contains(strings.ToLower(email.Body), strings.ToLower(filter.BodyContains)) {
		return false
	}
	if serverFiltered {
		return true
	}
	if filter.From != "" && !strings.Contains(strings.ToLower(email.From), strings.ToLower(filter.From)) {
		return false
	}
	if filter.Subject != "" && !strings.Contains(strings.ToLower(email.Subject), strings.ToLower(filter.Subject)) {
		return false
	}
	if filter.ReceivedAfter != nil && !email.Timestamp.After(*filter.ReceivedAfter) {
		return false
	}
	return true
}
