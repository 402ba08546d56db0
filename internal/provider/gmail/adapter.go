package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"leadflow-backend/internal/account/domain"
	"leadflow-backend/internal/provider"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	revokeURL        = "https://oauth2.googleapis.com/revoke"
	fetchConcurrency = 10
	maxListPages     = 20
)

// Adapter syncs Gmail and Google Calendar for one account. The cursor packs
// the Gmail historyId together with the calendar updatedMin watermark as
// "historyId;rfc3339".
type Adapter struct {
	clientID     string
	clientSecret string
	topicName    string

	// Extra client options, used by tests to point at a fake server.
	opts []option.ClientOption
}

// NewAdapter creates a new instance of Adapter
func NewAdapter(clientID, clientSecret, topicName string, opts ...option.ClientOption) *Adapter {
	return &Adapter{
		clientID:     clientID,
		clientSecret: clientSecret,
		topicName:    topicName,
		opts:         opts,
	}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderGoogle }

func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	config := &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		Endpoint:     google.Endpoint,
	}

	token, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			// invalid_grant covers expired and revoked refresh tokens.
			if retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.Response.StatusCode == http.StatusBadRequest {
				return nil, fmt.Errorf("%w: %s", provider.ErrAuthInvalid, retrieveErr.ErrorCode)
			}
		}
		return nil, fmt.Errorf("unable to refresh google token: %v", err)
	}
	return token, nil
}

func (a *Adapter) Revoke(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL,
		strings.NewReader(url.Values{"token": {token}}.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("unable to revoke google token: %v", err)
	}
	defer resp.Body.Close()

	// Google returns 400 for already-revoked tokens; that is success for us.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("unable to revoke google token: status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) FetchDelta(ctx context.Context, account *domain.Account, accessToken, cursor string) (*provider.Delta, error) {
	historyID, updatedMin, err := parseCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrCursorStale, err)
	}

	gmailSvc, calSvc, err := a.services(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	delta := &provider.Delta{}

	newHistoryID, err := a.fetchMailDelta(ctx, gmailSvc, historyID, delta)
	if err != nil {
		return nil, err
	}

	if err := a.fetchCalendarDelta(ctx, calSvc, updatedMin, delta); err != nil {
		return nil, err
	}

	delta.NewCursor = formatCursor(newHistoryID, time.Now())
	return delta, nil
}

func (a *Adapter) FetchFull(ctx context.Context, account *domain.Account, accessToken string, window provider.DateRange) (*provider.Delta, error) {
	gmailSvc, calSvc, err := a.services(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	delta := &provider.Delta{}

	// Snapshot the historyId before listing so changes racing the backfill
	// are re-delivered by the first incremental run.
	profile, err := gmailSvc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleError(err, false)
	}

	if err := a.fetchMailWindow(ctx, gmailSvc, window, delta); err != nil {
		return nil, err
	}
	if err := a.fetchCalendarWindow(ctx, calSvc, window, delta); err != nil {
		return nil, err
	}

	delta.NewCursor = formatCursor(profile.HistoryId, time.Now())
	return delta, nil
}

func (a *Adapter) Watch(ctx context.Context, account *domain.Account, accessToken string) (*provider.WatchResult, error) {
	gmailSvc, _, err := a.services(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	// Gmail allows one push client per user; clear any previous watch first.
	_ = gmailSvc.Users.Stop("me").Context(ctx).Do()

	resp, err := gmailSvc.Users.Watch("me", &gmail.WatchRequest{
		TopicName: a.topicName,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleError(err, false)
	}

	expiresAt := time.UnixMilli(resp.Expiration)
	log.Printf("[GmailAdapter] Watch established for %s until %s", account.Email, expiresAt.Format(time.RFC3339))
	return &provider.WatchResult{ExpiresAt: expiresAt}, nil
}

func (a *Adapter) StopWatch(ctx context.Context, account *domain.Account, accessToken string) error {
	gmailSvc, _, err := a.services(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := gmailSvc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return mapGoogleError(err, false)
	}
	return nil
}

func (a *Adapter) services(ctx context.Context, accessToken string) (*gmail.Service, *calendar.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}, a.opts...)

	gmailSvc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create Gmail service: %v", err)
	}
	calSvc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create Calendar service: %v", err)
	}
	return gmailSvc, calSvc, nil
}

// fetchMailDelta walks the history log after historyID and returns the newest
// historyId seen.
func (a *Adapter) fetchMailDelta(ctx context.Context, svc *gmail.Service, historyID uint64, delta *provider.Delta) (uint64, error) {
	added := make(map[string]struct{})
	deleted := make(map[string]struct{})
	newHistoryID := historyID

	pageToken := ""
	for page := 0; page < maxListPages; page++ {
		call := svc.Users.History.List("me").StartHistoryId(historyID).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			// Gmail answers 404 when the historyId has aged out of the log.
			return 0, mapGoogleError(err, true)
		}

		if resp.HistoryId > newHistoryID {
			newHistoryID = resp.HistoryId
		}
		for _, h := range resp.History {
			for _, m := range h.MessagesAdded {
				added[m.Message.Id] = struct{}{}
				delete(deleted, m.Message.Id)
			}
			for _, m := range h.MessagesDeleted {
				deleted[m.Message.Id] = struct{}{}
				delete(added, m.Message.Id)
			}
			// Label changes carry read-state flips.
			for _, m := range h.LabelsAdded {
				added[m.Message.Id] = struct{}{}
			}
			for _, m := range h.LabelsRemoved {
				added[m.Message.Id] = struct{}{}
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	ids := make([]string, 0, len(added))
	for id := range added {
		ids = append(ids, id)
	}
	records, err := a.fetchMessages(ctx, svc, ids)
	if err != nil {
		return 0, err
	}
	delta.Messages = append(delta.Messages, records...)

	for id := range deleted {
		delta.Messages = append(delta.Messages, provider.MessageRecord{ExternalID: id, Deleted: true})
	}
	return newHistoryID, nil
}

func (a *Adapter) fetchMailWindow(ctx context.Context, svc *gmail.Service, window provider.DateRange, delta *provider.Delta) error {
	query := fmt.Sprintf("after:%d", window.From.Unix())

	var ids []string
	pageToken := ""
	for page := 0; page < maxListPages; page++ {
		call := svc.Users.Messages.List("me").Q(query).MaxResults(500).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return mapGoogleError(err, false)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	records, err := a.fetchMessages(ctx, svc, ids)
	if err != nil {
		return err
	}
	delta.Messages = append(delta.Messages, records...)
	return nil
}

// fetchMessages downloads raw messages with bounded parallelism and
// normalizes them. One failed message fails the batch: a partial delta with
// an advanced cursor would silently drop mail.
func (a *Adapter) fetchMessages(ctx context.Context, svc *gmail.Service, ids []string) ([]provider.MessageRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, fetchConcurrency)
		records = make([]provider.MessageRecord, 0, len(ids))
		firstErr error
	)

	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			msg, err := svc.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
			if err != nil {
				var googleErr *googleapi.Error
				if errors.As(err, &googleErr) && googleErr.Code == http.StatusNotFound {
					// Deleted between listing and fetch.
					mu.Lock()
					records = append(records, provider.MessageRecord{ExternalID: id, Deleted: true})
					mu.Unlock()
					return
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = mapGoogleError(err, false)
				}
				mu.Unlock()
				return
			}

			record, err := normalizeMessage(msg)
			if err != nil {
				log.Printf("[GmailAdapter] Unable to parse message %s: %v", id, err)
				return
			}

			mu.Lock()
			records = append(records, record)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return records, nil
}

func (a *Adapter) fetchCalendarDelta(ctx context.Context, svc *calendar.Service, updatedMin time.Time, delta *provider.Delta) error {
	call := svc.Events.List("primary").
		UpdatedMin(updatedMin.Format(time.RFC3339)).
		ShowDeleted(true).
		SingleEvents(true).
		MaxResults(250).
		Context(ctx)
	return a.collectEvents(call, delta)
}

func (a *Adapter) fetchCalendarWindow(ctx context.Context, svc *calendar.Service, window provider.DateRange, delta *provider.Delta) error {
	call := svc.Events.List("primary").
		TimeMin(window.From.Format(time.RFC3339)).
		TimeMax(window.To.Format(time.RFC3339)).
		SingleEvents(true).
		MaxResults(250).
		Context(ctx)
	return a.collectEvents(call, delta)
}

func (a *Adapter) collectEvents(call *calendar.EventsListCall, delta *provider.Delta) error {
	pageToken := ""
	for page := 0; page < maxListPages; page++ {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return mapGoogleError(err, false)
		}
		for _, item := range resp.Items {
			delta.Events = append(delta.Events, normalizeEvent(item))
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return nil
}

// mapGoogleError folds googleapi errors into the shared taxonomy. staleOn404
// is set for history listing, where 404 means the cursor aged out rather
// than a missing resource.
func mapGoogleError(err error, staleOn404 bool) error {
	var googleErr *googleapi.Error
	if !errors.As(err, &googleErr) {
		return err
	}

	switch {
	case googleErr.Code == http.StatusNotFound && staleOn404:
		return fmt.Errorf("%w: gmail history expired", provider.ErrCursorStale)
	case googleErr.Code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", provider.ErrAuthInvalid, googleErr.Message)
	case googleErr.Code == http.StatusTooManyRequests:
		return &provider.RateLimitedError{RetryAfter: retryAfter(googleErr.Header)}
	case googleErr.Code == http.StatusForbidden && strings.Contains(googleErr.Message, "rate"):
		return &provider.RateLimitedError{}
	}
	return err
}

func retryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	if seconds, err := strconv.Atoi(header.Get("Retry-After")); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func parseCursor(cursor string) (uint64, time.Time, error) {
	historyPart, timePart, found := strings.Cut(cursor, ";")
	historyID, err := strconv.ParseUint(historyPart, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("bad history id %q", historyPart)
	}
	if !found {
		return historyID, time.Now().Add(-24 * time.Hour), nil
	}
	updatedMin, err := time.Parse(time.RFC3339, timePart)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("bad calendar watermark %q", timePart)
	}
	return historyID, updatedMin, nil
}

func formatCursor(historyID uint64, updatedMin time.Time) string {
	return fmt.Sprintf("%d;%s", historyID, updatedMin.UTC().Format(time.RFC3339))
}

func decodeRaw(msg *gmail.Message) ([]byte, error) {
	return base64.URLEncoding.DecodeString(msg.Raw)
}
