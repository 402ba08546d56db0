package gmail

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"leadflow-backend/internal/provider"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
)

// normalizeMessage parses the raw RFC 822 payload into the provider-neutral
// record. Gmail's resource supplies the identifiers and label-derived flags;
// everything user-visible comes from the MIME parse.
func normalizeMessage(msg *gmail.Message) (provider.MessageRecord, error) {
	raw, err := decodeRaw(msg)
	if err != nil {
		return provider.MessageRecord{}, fmt.Errorf("unable to decode raw message: %v", err)
	}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return provider.MessageRecord{}, fmt.Errorf("unable to parse message: %v", err)
	}
	defer reader.Close()

	record := provider.MessageRecord{
		ExternalID:       msg.Id,
		ThreadExternalID: msg.ThreadId,
		ReceivedAt:       time.UnixMilli(msg.InternalDate),
		IsRead:           !hasLabel(msg.LabelIds, "UNREAD"),
	}

	record.Subject, _ = reader.Header.Subject()
	record.Participants = headerParticipants(&reader.Header)

	var plainBody, htmlBody string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part should not lose the whole message.
			break
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := header.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				if plainBody == "" {
					plainBody = string(body)
				}
			case strings.HasPrefix(contentType, "text/html"):
				if htmlBody == "" {
					htmlBody = string(body)
				}
			}
		case *mail.AttachmentHeader:
			record.HasAttachment = true
		}
	}

	record.Body = plainBody
	if record.Body == "" {
		record.Body = htmlBody
	}
	return record, nil
}

func headerParticipants(header *mail.Header) []provider.Participant {
	var participants []provider.Participant
	for field, kind := range map[string]string{"From": "from", "To": "to", "Cc": "cc"} {
		addresses, err := header.AddressList(field)
		if err != nil {
			continue
		}
		for _, addr := range addresses {
			participants = append(participants, provider.Participant{
				Name:  addr.Name,
				Email: addr.Address,
				Kind:  kind,
			})
		}
	}
	return participants
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// normalizeEvent flattens a calendar event. Cancelled events surface as
// deletions so the store drops them.
func normalizeEvent(event *calendar.Event) provider.EventRecord {
	record := provider.EventRecord{
		ExternalID: event.Id,
		Status:     event.Status,
		Subject:    event.Summary,
		Body:       event.Description,
		Deleted:    event.Status == "cancelled",
	}

	record.StartsAt, record.AllDay = eventTime(event.Start)
	record.EndsAt, _ = eventTime(event.End)

	if event.Organizer != nil {
		record.Participants = append(record.Participants, provider.Participant{
			Name:  event.Organizer.DisplayName,
			Email: event.Organizer.Email,
			Kind:  "organizer",
		})
	}
	for _, attendee := range event.Attendees {
		if event.Organizer != nil && attendee.Email == event.Organizer.Email {
			continue
		}
		record.Participants = append(record.Participants, provider.Participant{
			Name:  attendee.DisplayName,
			Email: attendee.Email,
			Kind:  "attendee",
		})
	}
	return record
}

// eventTime resolves the dateTime/date split: all-day events only carry a
// civil date.
func eventTime(t *calendar.EventDateTime) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err == nil {
			return parsed, false
		}
	}
	if t.Date != "" {
		parsed, err := time.Parse("2006-01-02", t.Date)
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// buildRaw is the inverse of normalizeMessage for tests and future send
// support: it renders a simple text message into RFC 822 form.
func buildRaw(subject string, from, to *mail.Address, body string) (string, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(subject)
	header.SetAddressList("From", []*mail.Address{from})
	header.SetAddressList("To", []*mail.Address{to})

	writer, err := mail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(writer, strings.NewReader(body)); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
