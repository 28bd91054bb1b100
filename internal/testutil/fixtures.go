package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/dom/credential-service/internal/domain"
	"github.com/dom/credential-service/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AccountBuilder creates test accounts with a builder pattern
type AccountBuilder struct {
	displayName string
	email       string
	password    string
	sessions    []domain.SessionRecord
}

// NewAccountBuilder creates a new AccountBuilder with default values
func NewAccountBuilder() *AccountBuilder {
	suffix := uuid.New().String()[:8]
	return &AccountBuilder{
		displayName: "testuser_" + suffix,
		email:       fmt.Sprintf("user_%s@example.com", suffix),
		password:    "testpassword123",
	}
}

// WithDisplayName sets the display name
func (b *AccountBuilder) WithDisplayName(name string) *AccountBuilder {
	b.displayName = name
	return b
}

// WithEmail sets the email
func (b *AccountBuilder) WithEmail(email string) *AccountBuilder {
	b.email = email
	return b
}

// WithPassword sets the password
func (b *AccountBuilder) WithPassword(password string) *AccountBuilder {
	b.password = password
	return b
}

// WithSession adds a session record keyed by digest
func (b *AccountBuilder) WithSession(id, digest string, createdAt, expiresAt time.Time) *AccountBuilder {
	b.sessions = append(b.sessions, domain.SessionRecord{
		ID:           id,
		SecretDigest: digest,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
	})
	return b
}

// Build stores the account directly and returns it with the raw password
func (b *AccountBuilder) Build(t *testing.T, accounts repository.AccountRepository) (*domain.Account, string) {
	t.Helper()

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(b.password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	now := time.Now().UTC()
	account := &domain.Account{
		ID:             uuid.New(),
		DisplayName:    b.displayName,
		Email:          domain.NormalizeEmail(b.email),
		PasswordDigest: string(hashedPassword),
		Sessions:       append([]domain.SessionRecord{}, b.sessions...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := accounts.Insert(context.Background(), account); err != nil {
		t.Fatalf("failed to insert account: %v", err)
	}

	return account, b.password
}

// AuthResponse matches the API auth response
type AuthResponse struct {
	User struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
	} `json:"user"`
	AccessToken      string    `json:"accessToken"`
	SessionID        string    `json:"sessionId"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`
}

// BuildAndAuthenticate registers the account via the API using client, so the
// session cookie lands in the client's jar.
func (b *AccountBuilder) BuildAndAuthenticate(t *testing.T, ts *TestServer, client *http.Client) *AuthResponse {
	t.Helper()

	resp := PostJSON(t, client, ts.APIURL("/auth/register"), map[string]string{
		"displayName": b.displayName,
		"email":       b.email,
		"password":    b.password,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status code: %d", resp.StatusCode)
	}

	var authResp AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &authResp
}

// Credentials returns the email and password the builder registers with
func (b *AccountBuilder) Credentials() (string, string) {
	return b.email, b.password
}

// PostJSON sends body as JSON with the given client
func PostJSON(t *testing.T, client *http.Client, url string, body interface{}) *http.Response {
	t.Helper()

	resp, err := client.Do(CreateAuthenticatedRequest(t, http.MethodPost, url, body, ""))
	if err != nil {
		t.Fatalf("request to %s failed: %v", url, err)
	}
	return resp
}

// CreateAuthenticatedRequest creates an HTTP request with auth token
func CreateAuthenticatedRequest(t *testing.T, method, url string, body interface{}, token string) *http.Request {
	t.Helper()

	bodyReader := bytes.NewBuffer(nil)
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req
}
