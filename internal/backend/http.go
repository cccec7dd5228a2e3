package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/foodbridge/donation-chat/internal/model"
	"github.com/foodbridge/donation-chat/pkg/logger"
)

const maxResponseBytes = 8 << 20

// HTTPOption configures an HTTPStore.
type HTTPOption func(*HTTPStore)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPStore) { s.client = c }
}

// WithRetry sets how many times idempotent calls are retried and the first
// backoff interval.
func WithRetry(maxRetries uint64, initial time.Duration) HTTPOption {
	return func(s *HTTPStore) {
		s.maxRetries = maxRetries
		s.initialBackoff = initial
	}
}

// HTTPStore implements Store against the backend's /supabase endpoints.
type HTTPStore struct {
	baseURL        string
	client         *http.Client
	logger         *logger.Logger
	maxRetries     uint64
	initialBackoff time.Duration
}

var _ Store = (*HTTPStore)(nil)

// NewHTTPStore creates a store client for baseURL.
func NewHTTPStore(baseURL string, timeout time.Duration, log *logger.Logger, opts ...HTTPOption) *HTTPStore {
	s := &HTTPStore{
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         &http.Client{Timeout: timeout},
		logger:         log.Named("backend"),
		maxRetries:     2,
		initialBackoff: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveUserID implements Store.
func (s *HTTPStore) ResolveUserID(ctx context.Context, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", fmt.Errorf("email is empty: %w", model.ErrInvalidArgument)
	}

	body, err := s.post(ctx, "/supabase/getStakeholderId", map[string]string{"email": email}, true)
	if err != nil {
		return "", err
	}

	id := gjson.GetBytes(body, "stakeholderid")
	if !id.Exists() || id.String() == "" {
		return "", fmt.Errorf("no stakeholder for %q: %w", email, model.ErrInvalidArgument)
	}
	return id.String(), nil
}

type fetchRequest struct {
	Email  string  `json:"email"`
	UserID string  `json:"userId,omitempty"`
	Since  *string `json:"since"`
}

// FetchConversations implements Store.
func (s *HTTPStore) FetchConversations(ctx context.Context, p model.Principal, since time.Time) ([]model.Record, error) {
	req := fetchRequest{Email: p.Email, UserID: p.UserID}
	if !since.IsZero() {
		cursor := since.UTC().Format(time.RFC3339Nano)
		req.Since = &cursor
	}

	body, err := s.post(ctx, "/supabase/getUserChats", req, true)
	if err != nil {
		return nil, err
	}

	var records []model.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode chats: %v: %w", err, model.ErrNetwork)
	}
	return records, nil
}

type appendRequest struct {
	DonationID       string          `json:"donationid"`
	SenderID         string          `json:"senderid"`
	ChatHistory      string          `json:"chathistory"`
	IV               string          `json:"iv"`
	MessageTimestamp model.Timestamp `json:"message_timestamp"`
}

// AppendMessage implements Store. It is not retried; a failed append is
// surfaced to the caller, which owns the retry policy for sends.
func (s *HTTPStore) AppendMessage(ctx context.Context, conversationID, senderID, ciphertext, nonce string, ts time.Time) (*model.Record, error) {
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := s.post(ctx, "/supabase/updateChatHistory", appendRequest{
		DonationID:       conversationID,
		SenderID:         senderID,
		ChatHistory:      ciphertext,
		IV:               nonce,
		MessageTimestamp: model.Timestamp{Time: ts},
	}, false)
	if err != nil {
		return nil, err
	}

	row := gjson.ParseBytes(body)
	if row.IsArray() {
		row = row.Get("0")
	}
	if !row.IsObject() {
		return nil, fmt.Errorf("unexpected append response %.64q: %w", body, model.ErrNetwork)
	}

	var rec model.Record
	if err := json.Unmarshal([]byte(row.Raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode committed row: %v: %w", err, model.ErrNetwork)
	}
	if rec.ChatID == "" {
		return nil, fmt.Errorf("committed row has no id: %w", model.ErrNetwork)
	}
	return &rec, nil
}

// MarkConversationRead implements Store.
func (s *HTTPStore) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	_, err := s.post(ctx, "/supabase/markChatRead", map[string]string{
		"donationid":    conversationID,
		"currentUserId": userID,
	}, true)
	return err
}

// MarkConversationDelivered implements Store.
func (s *HTTPStore) MarkConversationDelivered(ctx context.Context, conversationID, userID string) error {
	_, err := s.post(ctx, "/supabase/markDelivered", map[string]string{
		"donationid": conversationID,
		"userId":     userID,
	}, true)
	return err
}

func (s *HTTPStore) post(ctx context.Context, path string, payload any, retry bool) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		body, err = s.do(ctx, path, data)
		if err != nil && attempt > 1 {
			s.logger.Debug("backend retry failed", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}

	if !retry || s.maxRetries == 0 {
		err = op()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.initialBackoff
		err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx))
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *HTTPStore) do(ctx context.Context, path string, data []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(fmt.Errorf("%s: %v: %w", path, ctx.Err(), model.ErrNetwork))
		}
		return nil, fmt.Errorf("%s: %v: %w", path, err, model.ErrNetwork)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %v: %w", path, err, model.ErrNetwork)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%s: backend returned %d %s: %w", path, resp.StatusCode, strings.TrimSpace(string(body)), model.ErrNetwork)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return body, nil
}
