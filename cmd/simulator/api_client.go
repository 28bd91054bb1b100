package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIClient handles HTTP communication with the backend. Each client sends
// its own user agent, so its sessions show up as a separate device.
type APIClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL, device string) *APIClient {
	return &APIClient{
		baseURL:   baseURL + "/api/v1",
		userAgent: "session-simulator/" + device,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Response types matching backend

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

type AuthResponse struct {
	User             User      `json:"user"`
	AccessToken      string    `json:"accessToken"`
	SessionID        string    `json:"sessionId"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`

	// Secret is read from the refresh cookie, not the body.
	Secret string `json:"-"`
}

type Session struct {
	ID        string     `json:"id"`
	UserAgent string     `json:"userAgent"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt"`
	Active    bool       `json:"active"`
}

// StatusError carries a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// Register creates a new account
func (c *APIClient) Register(displayName, email, password string) (*AuthResponse, error) {
	return c.authCall("/auth/register", map[string]string{
		"displayName": displayName,
		"email":       email,
		"password":    password,
	}, http.StatusCreated)
}

// Login opens a new session for this device
func (c *APIClient) Login(email, password string) (*AuthResponse, error) {
	return c.authCall("/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, http.StatusOK)
}

// RefreshWith presents secret in the body. Secure cookies are not replayed
// over plain http, so the simulator never relies on the cookie.
func (c *APIClient) RefreshWith(secret string) (*AuthResponse, error) {
	return c.authCall("/auth/refresh", map[string]string{"refreshToken": secret}, http.StatusOK)
}

// Sessions lists the account's sessions
func (c *APIClient) Sessions(token string) ([]Session, error) {
	req, err := c.newRequest(http.MethodGet, "/auth/sessions", nil, token)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sessions request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var sessions []Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return sessions, nil
}

func (c *APIClient) authCall(path string, body interface{}, want int) (*AuthResponse, error) {
	req, err := c.newRequest(http.MethodPost, path, body, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, want); err != nil {
		return nil, err
	}

	var result AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "refresh_token" {
			result.Secret = cookie.Value
		}
	}
	return &result, nil
}

func (c *APIClient) newRequest(method, path string, body interface{}, token string) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	return req, nil
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	bodyBytes, _ := io.ReadAll(resp.Body)
	return &StatusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(bodyBytes))}
}
