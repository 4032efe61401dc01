package waha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Client talks to a WAHA-style WhatsApp HTTP API gateway.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type File struct {
	Mimetype string `json:"mimetype"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type SendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type SendImageRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	File    File   `json:"file"`
	Caption string `json:"caption,omitempty"`
}

// SendResponse is the success envelope. ID carries the backend message id;
// Message carries the human-readable error on failure envelopes.
type SendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type sessionStatusResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (c *Client) SendText(ctx context.Context, req SendTextRequest) (SendResponse, int, []byte, error) {
	return c.post(ctx, "/api/sendText", req)
}

func (c *Client) SendImage(ctx context.Context, req SendImageRequest) (SendResponse, int, []byte, error) {
	return c.post(ctx, "/api/sendImage", req)
}

func (c *Client) post(ctx context.Context, path string, payload any) (SendResponse, int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+path, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("X-Api-Key", c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, b, errors.New(out.Message)
		}
		return out, resp.StatusCode, b, errors.New("send failed")
	}
	if out.ID == "" {
		return out, resp.StatusCode, b, errors.New("backend response missing message id")
	}
	return out, resp.StatusCode, b, nil
}

// SessionStatus returns the gateway's status enum for a session,
// e.g. CONNECTED, SCAN_QR_CODE, STOPPED.
func (c *Client) SessionStatus(ctx context.Context, session string) (string, error) {
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/api/sessions/"+session, nil)
	if c.APIKey != "" {
		httpReq.Header.Set("X-Api-Key", c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.New("session status check failed")
	}
	var out sessionStatusResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) baseURL() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// FormatChatID converts a raw phone identifier to the transport's address
// form: digits only with the individual-chat suffix.
func FormatChatID(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + "@c.us"
}
