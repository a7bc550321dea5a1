package mail

import (
	"fmt"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/knadh/go-pop3"

	"trigger-orchestrator/internal/common/errors"
)

// pop3Session is the slice of the POP3 connection the walk needs.
// *pop3.Conn satisfies it; tests substitute an in-memory mailbox.
type pop3Session interface {
	Auth(user, password string) error
	Stat() (int, int, error)
	Retr(msgID int) (*message.Entity, error)
	Quit() error
}

var _ pop3Session = (*pop3.Conn)(nil)

// fetchPOP3 walks the mailbox sequentially starting after the given
// ordinal. POP3 has no server-side search and no reliable unread flag, so
// every filter is applied client-side and isUnread is always true. Returns
// the matched messages and the highest ordinal seen, which the caller
// persists to avoid re-evaluating messages on the next cycle.
func fetchPOP3(cfg Config, filter Filter, limit int, afterOrdinal int) ([]InboundEmail, int, error) {
	conn, err := dialPOP3(cfg)
	if err != nil {
		return nil, afterOrdinal, err
	}
	defer conn.Quit()

	if err := conn.Auth(cfg.Username, cfg.Password); err != nil {
		return nil, afterOrdinal, errors.AuthenticationError(fmt.Sprintf("pop3 login rejected for %s", cfg.Username))
	}

	count, _, err := conn.Stat()
	if err != nil {
		return nil, afterOrdinal, errors.ConnectionError("pop3 stat failed", err)
	}

	emails := []InboundEmail{}
	highest := afterOrdinal
	for id := afterOrdinal + 1; id <= count; id++ {
		entity, rerr := conn.Retr(id)
		if rerr != nil {
			// The protocol is strictly sequential; a retrieval failure
			// ends the walk and the ordinal is not advanced past it.
			return emails, highest, errors.ConnectionError(fmt.Sprintf("pop3 retr %d failed", id), rerr)
		}
		highest = id

		mr := gomail.NewReader(entity)
		email, perr := emailFromReader(mr)
		if perr != nil {
			continue
		}
		email.ID = fmt.Sprintf("pop3-%d", id)
		email.IsUnread = true

		if !matchesClientSide(email, filter, false) {
			continue
		}
		emails = append(emails, email)
		if limit > 0 && len(emails) >= limit {
			break
		}
	}
	return emails, highest, nil
}

func testPOP3(cfg Config) ConnectionResult {
	conn, err := dialPOP3(cfg)
	if err != nil {
		return ConnectionResult{Success: false, Message: err.Error()}
	}
	defer conn.Quit()

	if err := conn.Auth(cfg.Username, cfg.Password); err != nil {
		return ConnectionResult{Success: false, Message: "authentication rejected"}
	}
	count, _, err := conn.Stat()
	if err != nil {
		return ConnectionResult{Success: false, Message: "stat failed: " + err.Error()}
	}
	return ConnectionResult{
		Success:      true,
		Message:      "pop3 connection ok",
		MessageCount: count,
	}
}

var dialPOP3 = func(cfg Config) (pop3Session, error) {
	p := pop3.New(pop3.Opt{
		Host:       cfg.Host,
		Port:       cfg.Port,
		TLSEnabled: cfg.Secure,
	})
	conn, err := p.NewConn()
	if err != nil {
		return nil, errors.ConnectionError(fmt.Sprintf("failed to reach pop3 server %s:%d", cfg.Host, cfg.Port), err)
	}
	return conn, nil
}
