package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopmono/livechat/internal/domain"
)

// SessionAPI is the gateway's REST session surface as seen by a client.
type SessionAPI interface {
	CreateSession() (*domain.ChatSession, error)
	ListActiveSessions() ([]domain.ChatSession, error)
	ListMessages(sessionID string) ([]domain.ChatMessage, error)
	MarkSessionRead(sessionID string) error
	EndSession(sessionID string) error
	DeleteSession(sessionID string) error
}

// HTTPSessionAPI talks to the gateway's /api endpoints with a bearer token.
type HTTPSessionAPI struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPSessionAPI creates an API client for the given gateway base URL
// (e.g. "http://127.0.0.1:18790").
func NewHTTPSessionAPI(baseURL, token string) *HTTPSessionAPI {
	return &HTTPSessionAPI{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *HTTPSessionAPI) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, a.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *HTTPSessionAPI) CreateSession() (*domain.ChatSession, error) {
	var sess domain.ChatSession
	if err := a.do(http.MethodPost, "/api/sessions", nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (a *HTTPSessionAPI) ListActiveSessions() ([]domain.ChatSession, error) {
	var out struct {
		Sessions []domain.ChatSession `json:"sessions"`
	}
	if err := a.do(http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (a *HTTPSessionAPI) ListMessages(sessionID string) ([]domain.ChatMessage, error) {
	var out struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	if err := a.do(http.MethodGet, "/api/sessions/"+sessionID+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (a *HTTPSessionAPI) MarkSessionRead(sessionID string) error {
	return a.do(http.MethodPost, "/api/sessions/"+sessionID+"/read", nil, nil)
}

func (a *HTTPSessionAPI) EndSession(sessionID string) error {
	return a.do(http.MethodPost, "/api/sessions/"+sessionID+"/end", nil, nil)
}

func (a *HTTPSessionAPI) DeleteSession(sessionID string) error {
	return a.do(http.MethodDelete, "/api/sessions/"+sessionID, nil, nil)
}
