package mail

import (
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	gomail "github.com/emersion/go-message/mail"

	"trigger-orchestrator/internal/common/errors"
)

// imapSession is the slice of the IMAP client the fetch path needs.
// *client.Client satisfies it; tests substitute an in-memory mailbox.
type imapSession interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Logout() error
}

var _ imapSession = (*client.Client)(nil)

// fetchIMAP opens a session, searches server-side, fetches and parses the
// last matching messages, and optionally flags them seen. The mailbox is
// selected read-write and logout runs on every exit path.
func fetchIMAP(cfg Config, filter Filter, limit int, markAsRead bool) ([]InboundEmail, error) {
	c, err := dialIMAP(cfg)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		return nil, errors.AuthenticationError(fmt.Sprintf("imap login rejected for %s", cfg.Username))
	}
	if _, err := c.Select("INBOX", false); err != nil {
		return nil, errors.ConnectionError("failed to select INBOX", err)
	}

	criteria := buildSearchCriteria(filter)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, errors.ConnectionError("imap search failed", err)
	}
	if len(uids) == 0 {
		return []InboundEmail{}, nil
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var emails []InboundEmail
	var matchedUids []uint32
	for msg := range messages {
		email, perr := parseIMAPMessage(msg, section)
		if perr != nil {
			continue
		}
		if !matchesClientSide(email, filter, true) {
			continue
		}
		emails = append(emails, email)
		matchedUids = append(matchedUids, msg.Uid)
	}
	if err := <-done; err != nil {
		return nil, errors.ConnectionError("imap fetch failed", err)
	}

	if markAsRead && len(matchedUids) > 0 {
		seen := new(imap.SeqSet)
		seen.AddNum(matchedUids...)
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.UidStore(seen, item, []interface{}{imap.SeenFlag}, nil); err != nil {
			return nil, errors.ConnectionError("failed to mark messages seen", err)
		}
	}

	if emails == nil {
		emails = []InboundEmail{}
	}
	return emails, nil
}

func testIMAP(cfg Config) ConnectionResult {
	c, err := dialIMAP(cfg)
	if err != nil {
		return ConnectionResult{Success: false, Message: err.Error()}
	}
	defer c.Logout()

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		return ConnectionResult{Success: false, Message: "authentication rejected"}
	}
	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return ConnectionResult{Success: false, Message: "could not select INBOX: " + err.Error()}
	}
	return ConnectionResult{
		Success:      true,
		Message:      "imap connection ok",
		MessageCount: int(mbox.Messages),
	}
}

var dialIMAP = func(cfg Config) (imapSession, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var c *client.Client
	var err error
	if cfg.Secure {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, errors.ConnectionError(fmt.Sprintf("failed to reach imap server %s", addr), err)
	}
	return c, nil
}

// buildSearchCriteria pushes every filter the protocol supports to the
// server; bodyContains stays client-side.
func buildSearchCriteria(filter Filter) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	criteria.Header = make(textproto.MIMEHeader)
	if filter.IsUnread != nil && *filter.IsUnread {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if filter.ReceivedAfter != nil {
		criteria.Since = *filter.ReceivedAfter
	}
	if filter.From != "" {
		criteria.Header.Add("From", filter.From)
	}
	if filter.Subject != "" {
		criteria.Header.Add("Subject", filter.Subject)
	}
	return criteria
}

func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (InboundEmail, error) {
	body := msg.GetBody(section)
	if body == nil {
		return InboundEmail{}, errors.InternalError("imap message body section missing", nil)
	}
	mr, err := gomail.CreateReader(body)
	if err != nil {
		return InboundEmail{}, err
	}

	email, err := emailFromReader(mr)
	if err != nil {
		return InboundEmail{}, err
	}
	email.ID = fmt.Sprintf("imap-%d", msg.Uid)
	email.IsUnread = !hasFlag(msg.Flags, imap.SeenFlag)
	return email, nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// emailFromReader extracts headers, the first text part, and attachment
// metadata from a parsed MIME message.
func emailFromReader(mr *gomail.Reader) (InboundEmail, error) {
	var email InboundEmail

	header := mr.Header
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].Address
	}
	if to, err := header.AddressList("To"); err == nil {
		for _, addr := range to {
			email.To = append(email.To, addr.Address)
		}
	}
	if subject, err := header.Subject(); err == nil {
		email.Subject = subject
	}
	if date, err := header.Date(); err == nil {
		email.Timestamp = date
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := h.ContentType()
			if email.Body == "" && strings.HasPrefix(ct, "text/") {
				data, rerr := io.ReadAll(part.Body)
				if rerr == nil {
					email.Body = string(data)
				}
			}
		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)
			email.Attachments = append(email.Attachments, Attachment{
				Filename:    filename,
				ContentType: ct,
				Size:        size,
			})
		}
	}
	return email, nil
}
