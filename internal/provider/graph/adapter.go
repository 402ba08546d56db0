package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"leadflow-backend/internal/account/domain"
	"leadflow-backend/internal/provider"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"

	// Graph mail subscriptions max out just shy of three days.
	subscriptionLifetime = 70 * time.Hour

	maxDeltaPages = 20
)

// Adapter syncs Outlook mail and calendar through Microsoft Graph. The
// cursor stores the two delta links Graph hands back per collection.
type Adapter struct {
	clientID     string
	clientSecret string
	webhookURL   string

	baseURL    string
	httpClient *http.Client
}

// NewAdapter creates a new instance of Adapter
func NewAdapter(clientID, clientSecret, webhookURL string) *Adapter {
	return &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		webhookURL:   webhookURL,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderMicrosoft }

// cursor is the serialized pair of Graph delta links.
type cursor struct {
	MailDeltaLink     string `json:"mail"`
	CalendarDeltaLink string `json:"calendar"`
}

func parseCursor(raw string) (cursor, error) {
	var c cursor
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return cursor{}, fmt.Errorf("bad graph cursor: %v", err)
	}
	if c.MailDeltaLink == "" || c.CalendarDeltaLink == "" {
		return cursor{}, errors.New("graph cursor missing delta links")
	}
	return c, nil
}

func (c cursor) String() string {
	encoded, _ := json.Marshal(c)
	return string(encoded)
}

func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	config := &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		Endpoint:     microsoft.AzureADEndpoint("common"),
		Scopes: []string{
			"offline_access",
			"https://graph.microsoft.com/Mail.Read",
			"https://graph.microsoft.com/Calendars.Read",
		},
	}

	token, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", provider.ErrAuthInvalid, retrieveErr.ErrorCode)
		}
		return nil, fmt.Errorf("unable to refresh microsoft token: %v", err)
	}
	return token, nil
}

// Revoke: Microsoft has no token revocation endpoint for this flow; dropping
// the stored refresh token is the effective revocation.
func (a *Adapter) Revoke(ctx context.Context, token string) error {
	return nil
}

func (a *Adapter) FetchDelta(ctx context.Context, account *domain.Account, accessToken, rawCursor string) (*provider.Delta, error) {
	c, err := parseCursor(rawCursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrCursorStale, err)
	}

	delta := &provider.Delta{}

	mailLink, err := a.collectMessages(ctx, accessToken, c.MailDeltaLink, delta)
	if err != nil {
		return nil, err
	}
	calendarLink, err := a.collectEvents(ctx, accessToken, c.CalendarDeltaLink, delta)
	if err != nil {
		return nil, err
	}

	delta.NewCursor = cursor{MailDeltaLink: mailLink, CalendarDeltaLink: calendarLink}.String()
	return delta, nil
}

func (a *Adapter) FetchFull(ctx context.Context, account *domain.Account, accessToken string, window provider.DateRange) (*provider.Delta, error) {
	delta := &provider.Delta{}

	mailStart := fmt.Sprintf(
		"%s/me/mailFolders/inbox/messages/delta?$filter=receivedDateTime+ge+%s",
		a.baseURL, url.QueryEscape(window.From.UTC().Format(time.RFC3339)))
	mailLink, err := a.collectMessages(ctx, accessToken, mailStart, delta)
	if err != nil {
		return nil, err
	}

	calendarStart := fmt.Sprintf(
		"%s/me/calendarView/delta?startDateTime=%s&endDateTime=%s",
		a.baseURL,
		url.QueryEscape(window.From.UTC().Format(time.RFC3339)),
		url.QueryEscape(window.To.UTC().Format(time.RFC3339)))
	calendarLink, err := a.collectEvents(ctx, accessToken, calendarStart, delta)
	if err != nil {
		return nil, err
	}

	delta.NewCursor = cursor{MailDeltaLink: mailLink, CalendarDeltaLink: calendarLink}.String()
	return delta, nil
}

func (a *Adapter) Watch(ctx context.Context, account *domain.Account, accessToken string) (*provider.WatchResult, error) {
	expiresAt := time.Now().Add(subscriptionLifetime).UTC()

	// Renew in place when the subscription still exists.
	if account.SubscriptionID != "" {
		renewed, err := a.renewSubscription(ctx, accessToken, account.SubscriptionID, expiresAt)
		if err == nil {
			return &provider.WatchResult{
				SubscriptionID: account.SubscriptionID,
				ClientState:    account.ClientState,
				ExpiresAt:      renewed,
			}, nil
		}
		log.Printf("[GraphAdapter] Renewal of subscription %s failed, creating a new one: %v", account.SubscriptionID, err)
	}

	clientState := uuid.New().String()
	body := map[string]string{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    a.webhookURL,
		"resource":           "/me/messages",
		"expirationDateTime": expiresAt.Format(time.RFC3339),
		"clientState":        clientState,
	}

	var created struct {
		ID                 string `json:"id"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := a.do(ctx, accessToken, http.MethodPost, a.baseURL+"/subscriptions", body, &created); err != nil {
		return nil, err
	}

	expiry, err := time.Parse(time.RFC3339, created.ExpirationDateTime)
	if err != nil {
		expiry = expiresAt
	}
	return &provider.WatchResult{
		SubscriptionID: created.ID,
		ClientState:    clientState,
		ExpiresAt:      expiry,
	}, nil
}

func (a *Adapter) StopWatch(ctx context.Context, account *domain.Account, accessToken string) error {
	if account.SubscriptionID == "" {
		return nil
	}
	err := a.do(ctx, accessToken, http.MethodDelete, a.baseURL+"/subscriptions/"+account.SubscriptionID, nil, nil)
	if err != nil {
		// A subscription Graph already dropped is fine.
		var graphErr *apiError
		if errors.As(err, &graphErr) && graphErr.status == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

func (a *Adapter) renewSubscription(ctx context.Context, accessToken, subscriptionID string, expiresAt time.Time) (time.Time, error) {
	body := map[string]string{"expirationDateTime": expiresAt.Format(time.RFC3339)}
	var renewed struct {
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	err := a.do(ctx, accessToken, http.MethodPatch, a.baseURL+"/subscriptions/"+subscriptionID, body, &renewed)
	if err != nil {
		return time.Time{}, err
	}
	expiry, parseErr := time.Parse(time.RFC3339, renewed.ExpirationDateTime)
	if parseErr != nil {
		return expiresAt, nil
	}
	return expiry, nil
}

// graphMessage is the subset of the Graph message resource the pipeline uses.
type graphMessage struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversationId"`
	Subject          string          `json:"subject"`
	ReceivedDateTime string          `json:"receivedDateTime"`
	IsRead           bool            `json:"isRead"`
	HasAttachments   bool            `json:"hasAttachments"`
	Body             *graphItemBody  `json:"body"`
	From             *graphRecipient `json:"from"`
	ToRecipients     []graphRecipient `json:"toRecipients"`
	CcRecipients     []graphRecipient `json:"ccRecipients"`
	Removed          *graphRemoved   `json:"@removed"`
}

type graphItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphRemoved struct {
	Reason string `json:"reason"`
}

type graphEvent struct {
	ID          string           `json:"id"`
	Subject     string           `json:"subject"`
	BodyPreview string           `json:"bodyPreview"`
	IsAllDay    bool             `json:"isAllDay"`
	IsCancelled bool             `json:"isCancelled"`
	ShowAs      string           `json:"showAs"`
	Start       *graphDateTime   `json:"start"`
	End         *graphDateTime   `json:"end"`
	Organizer   *graphRecipient  `json:"organizer"`
	Attendees   []graphAttendee  `json:"attendees"`
	Removed     *graphRemoved    `json:"@removed"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphAttendee struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (a *Adapter) collectMessages(ctx context.Context, accessToken, startURL string, delta *provider.Delta) (string, error) {
	link := startURL
	for page := 0; page < maxDeltaPages; page++ {
		var body struct {
			Value     []graphMessage `json:"value"`
			NextLink  string         `json:"@odata.nextLink"`
			DeltaLink string         `json:"@odata.deltaLink"`
		}
		if err := a.do(ctx, accessToken, http.MethodGet, link, nil, &body); err != nil {
			return "", err
		}

		for i := range body.Value {
			delta.Messages = append(delta.Messages, normalizeMessage(&body.Value[i]))
		}

		if body.DeltaLink != "" {
			return body.DeltaLink, nil
		}
		if body.NextLink == "" {
			return "", errors.New("graph message delta ended without a delta link")
		}
		link = body.NextLink
	}
	return "", errors.New("graph message delta exceeded page budget")
}

func (a *Adapter) collectEvents(ctx context.Context, accessToken, startURL string, delta *provider.Delta) (string, error) {
	link := startURL
	for page := 0; page < maxDeltaPages; page++ {
		var body struct {
			Value     []graphEvent `json:"value"`
			NextLink  string       `json:"@odata.nextLink"`
			DeltaLink string       `json:"@odata.deltaLink"`
		}
		if err := a.do(ctx, accessToken, http.MethodGet, link, nil, &body); err != nil {
			return "", err
		}

		for i := range body.Value {
			delta.Events = append(delta.Events, normalizeEvent(&body.Value[i]))
		}

		if body.DeltaLink != "" {
			return body.DeltaLink, nil
		}
		if body.NextLink == "" {
			return "", errors.New("graph event delta ended without a delta link")
		}
		link = body.NextLink
	}
	return "", errors.New("graph event delta exceeded page budget")
}

func normalizeMessage(msg *graphMessage) provider.MessageRecord {
	if msg.Removed != nil {
		return provider.MessageRecord{ExternalID: msg.ID, Deleted: true}
	}

	record := provider.MessageRecord{
		ExternalID:       msg.ID,
		ThreadExternalID: msg.ConversationID,
		IsRead:           msg.IsRead,
		HasAttachment:    msg.HasAttachments,
		Subject:          msg.Subject,
	}
	if msg.Body != nil {
		record.Body = msg.Body.Content
	}
	if received, err := time.Parse(time.RFC3339, msg.ReceivedDateTime); err == nil {
		record.ReceivedAt = received
	}

	if msg.From != nil {
		record.Participants = append(record.Participants, provider.Participant{
			Name:  msg.From.EmailAddress.Name,
			Email: msg.From.EmailAddress.Address,
			Kind:  "from",
		})
	}
	for _, r := range msg.ToRecipients {
		record.Participants = append(record.Participants, provider.Participant{
			Name: r.EmailAddress.Name, Email: r.EmailAddress.Address, Kind: "to",
		})
	}
	for _, r := range msg.CcRecipients {
		record.Participants = append(record.Participants, provider.Participant{
			Name: r.EmailAddress.Name, Email: r.EmailAddress.Address, Kind: "cc",
		})
	}
	return record
}

func normalizeEvent(event *graphEvent) provider.EventRecord {
	if event.Removed != nil || event.IsCancelled {
		return provider.EventRecord{ExternalID: event.ID, Deleted: true}
	}

	record := provider.EventRecord{
		ExternalID: event.ID,
		Subject:    event.Subject,
		Body:       event.BodyPreview,
		AllDay:     event.IsAllDay,
		Status:     event.ShowAs,
	}
	record.StartsAt = parseGraphTime(event.Start)
	record.EndsAt = parseGraphTime(event.End)

	if event.Organizer != nil {
		record.Participants = append(record.Participants, provider.Participant{
			Name:  event.Organizer.EmailAddress.Name,
			Email: event.Organizer.EmailAddress.Address,
			Kind:  "organizer",
		})
	}
	for _, attendee := range event.Attendees {
		if event.Organizer != nil && attendee.EmailAddress.Address == event.Organizer.EmailAddress.Address {
			continue
		}
		record.Participants = append(record.Participants, provider.Participant{
			Name:  attendee.EmailAddress.Name,
			Email: attendee.EmailAddress.Address,
			Kind:  "attendee",
		})
	}
	return record
}

// parseGraphTime handles Graph's zone-suffix-free dateTime plus timeZone
// pair. Only UTC arrives in practice because delta queries request it.
func parseGraphTime(t *graphDateTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.9999999", "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, t.DateTime); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

// apiError carries the Graph status code for taxonomy mapping.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("graph api error %d: %s", e.status, e.message)
}

func (a *Adapter) do(ctx context.Context, accessToken, method, rawURL string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("unable to encode graph request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unable to reach graph: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return mapGraphError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("unable to decode graph response: %v", err)
	}
	return nil
}

func mapGraphError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusGone:
		// Graph signals a stale delta link with 410 resyncRequired.
		return fmt.Errorf("%w: graph requires resync", provider.ErrCursorStale)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", provider.ErrAuthInvalid, payload)
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			retryAfter = time.Duration(seconds) * time.Second
		}
		return &provider.RateLimitedError{RetryAfter: retryAfter}
	}
	return &apiError{status: resp.StatusCode, message: string(payload)}
}
