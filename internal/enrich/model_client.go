package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ModelClient calls a black-box inference endpoint. The endpoint contract is
// one POST per task with a JSON body; model choice and batching live behind
// the endpoint, not here.
type ModelClient struct {
	endpoint string
	http     *http.Client
}

func NewModelClient(endpoint string) *ModelClient {
	return &ModelClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 120 * time.Second},
	}
}

// ModelError distinguishes transient server trouble from data problems so
// the retry policy can classify it.
type ModelError struct {
	Status int
	Body   string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model endpoint: status %d: %s", e.Status, e.Body)
}

// Transient reports whether the failure is worth retrying.
func (e *ModelError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Infer posts payload to /<task> and decodes the JSON response into out.
func (c *ModelClient) Infer(ctx context.Context, task string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", task, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+task, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("model endpoint %s: %w", task, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", task, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &ModelError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", task, err)
	}
	return nil
}

// Correct asks the endpoint for a corrected rendition of text. An empty
// result means the model had nothing to change.
func (c *ModelClient) Correct(ctx context.Context, text string) (string, error) {
	var resp struct {
		Corrected string `json:"corrected"`
	}
	if err := c.Infer(ctx, "correct", map[string]string{"text": text}, &resp); err != nil {
		return "", err
	}
	return resp.Corrected, nil
}
