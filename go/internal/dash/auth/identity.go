package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrTokenInvalid    = errors.New("token is missing, expired or already used")
	ErrSessionExpired  = errors.New("identity session expired")
)

// Identity is a verified user and the identity-provider session it was resolved from.
type Identity struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the identity session is no longer valid at now.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Verifier resolves request credentials into an identity. Callers must still check
// ExpiresAt; verifiers only report what the provider returned.
type Verifier interface {
	VerifySession(ctx context.Context, headers http.Header) (*Identity, error)
}

// forwardedHeaders are the credentials passed through to the identity provider.
var forwardedHeaders = []string{"Cookie", "Authorization"}

// HTTPVerifier asks the identity provider's get-session endpoint who the caller is.
type HTTPVerifier struct {
	baseURL  string
	endpoint string
	client   *http.Client
}

func NewHTTPVerifier(baseURL, endpoint string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL:  baseURL,
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type getSessionResponse struct {
	User *struct {
		ID string `json:"id"`
	} `json:"user"`
	Session *struct {
		ID        string    `json:"id"`
		ExpiresAt time.Time `json:"expiresAt"`
	} `json:"session"`
}

func (v *HTTPVerifier) VerifySession(ctx context.Context, headers http.Header) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+v.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for _, key := range forwardedHeaders {
		for _, value := range headers.Values(key) {
			req.Header.Add(key, value)
		}
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("identity provider returned status code: %d, response: %s", resp.StatusCode, string(body))
	}

	var out *getSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	// The provider answers null for anonymous callers.
	if out == nil || out.User == nil || out.Session == nil || out.User.ID == "" {
		return nil, ErrUnauthenticated
	}

	return &Identity{
		UserID:    out.User.ID,
		SessionID: out.Session.ID,
		ExpiresAt: out.Session.ExpiresAt,
	}, nil
}

// HeaderVerifier trusts a user id header. Local development only.
type HeaderVerifier struct {
	Header string
	TTL    time.Duration
	Now    func() time.Time
}

func (v HeaderVerifier) VerifySession(_ context.Context, headers http.Header) (*Identity, error) {
	userID := headers.Get(v.Header)
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	return &Identity{
		UserID:    userID,
		SessionID: "dev:" + userID,
		ExpiresAt: now().Add(v.TTL),
	}, nil
}
