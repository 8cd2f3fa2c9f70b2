package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrToken reports that the connection credential could not be obtained.
// Connect aborts on it; retry is a manual caller action.
var ErrToken = errors.New("token request failed")

// Token is the short-lived connection credential issued by the token endpoint.
type Token struct {
	WebsocketURL string `json:"websocket_url"`
	SampleRate   int    `json:"sample_rate"`
	APIKey       string `json:"api_key"`
}

type tokenErrorBody struct {
	Error string `json:"error"`
}

// TokenClient fetches streaming credentials from the token endpoint.
type TokenClient struct {
	url        string
	httpClient *http.Client
}

func NewTokenClient(url string, timeout time.Duration) *TokenClient {
	return &TokenClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch requests a credential. The endpoint takes an empty POST and answers
// either the token fields or {"error": ...}.
func (c *TokenClient) Fetch(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(nil))
	if err != nil {
		return Token{}, fmt.Errorf("%w: build request: %v", ErrToken, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrToken, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("%w: read body: %v", ErrToken, err)
	}

	if resp.StatusCode != http.StatusOK {
		var remote tokenErrorBody
		if json.Unmarshal(body, &remote) == nil && remote.Error != "" {
			return Token{}, fmt.Errorf("%w: %s", ErrToken, remote.Error)
		}
		return Token{}, fmt.Errorf("%w: status %d", ErrToken, resp.StatusCode)
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return Token{}, fmt.Errorf("%w: decode response: %v", ErrToken, err)
	}
	if tok.WebsocketURL == "" || tok.APIKey == "" || tok.SampleRate == 0 {
		return Token{}, fmt.Errorf("%w: response missing required fields", ErrToken)
	}
	return tok, nil
}
