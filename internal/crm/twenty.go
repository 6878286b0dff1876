package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
)

// Client talks to a Twenty CRM workspace over its REST surface. Twenty's
// responses come in two shapes depending on version: a bare object with an id,
// or a GraphQL-style envelope like {"data":{"createPerson":{...}}}. Both are
// handled by unwrapPerson.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *logger.Logger
}

func NewClient(baseURL, apiKey string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With("service", "TwentyCRM"),
	}
}

// Person is the subset of Twenty's person object the sync core reads and
// writes. Identifiers are folded in from contact_identifiers on the way out.
type Person struct {
	ID        string `json:"id,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	JobTitle  string `json:"jobTitle,omitempty"`
	City      string `json:"city,omitempty"`
}

// APIError carries the CRM's status code so callers can classify it.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twenty crm: status %d: %s", e.Status, e.Body)
}

// PersonFromContact maps the canonical contact shape onto Twenty's person
// fields. primaryEmail and primaryPhone come from the identifier table.
func PersonFromContact(c *domain.Contact, primaryEmail, primaryPhone string) Person {
	first, last := c.FirstName, c.LastName
	if first == "" && last == "" {
		parts := strings.SplitN(strings.TrimSpace(c.CanonicalName), " ", 2)
		first = parts[0]
		if len(parts) > 1 {
			last = parts[1]
		}
	}
	return Person{
		FirstName: first,
		LastName:  last,
		Email:     primaryEmail,
		Phone:     primaryPhone,
		JobTitle:  c.JobTitle,
	}
}

func (p Person) payload() map[string]any {
	body := map[string]any{
		"name": map[string]string{"firstName": p.FirstName, "lastName": p.LastName},
	}
	if p.Email != "" {
		body["emails"] = map[string]string{"primaryEmail": p.Email}
	}
	if p.Phone != "" {
		body["phones"] = map[string]string{"primaryPhoneNumber": p.Phone}
	}
	if p.JobTitle != "" {
		body["jobTitle"] = p.JobTitle
	}
	if p.City != "" {
		body["city"] = p.City
	}
	return body
}

func (c *Client) CreatePerson(ctx context.Context, p Person) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/rest/people", p.payload())
	if err != nil {
		return "", err
	}
	id, err := unwrapPerson(raw, "createPerson")
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) UpdatePerson(ctx context.Context, personID string, p Person) error {
	_, err := c.do(ctx, http.MethodPatch, "/rest/people/"+url.PathEscape(personID), p.payload())
	return err
}

func (c *Client) DeletePerson(ctx context.Context, personID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/rest/people/"+url.PathEscape(personID), nil)
	return err
}

// FindPersonID looks a person up by first and last name and returns the id of
// the first match, or "" when nothing matches.
func (c *Client) FindPersonID(ctx context.Context, firstName, lastName string) (string, error) {
	q := url.Values{}
	q.Set("filter", fmt.Sprintf("name.firstName[eq]:%s,name.lastName[eq]:%s", firstName, lastName))
	q.Set("limit", "1")
	raw, err := c.do(ctx, http.MethodGet, "/rest/people?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	var list struct {
		Data struct {
			People []struct {
				ID string `json:"id"`
			} `json:"people"`
		} `json:"data"`
		People []struct {
			ID string `json:"id"`
		} `json:"people"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return "", fmt.Errorf("twenty crm: decode list: %w", err)
	}
	if len(list.Data.People) > 0 {
		return list.Data.People[0].ID, nil
	}
	if len(list.People) > 0 {
		return list.People[0].ID, nil
	}
	return "", nil
}

func (c *Client) do(ctx context.Context, method, path string, body map[string]any) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("twenty crm: marshal body: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twenty crm: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("twenty crm: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

// unwrapPerson digs the person id out of either response shape.
func unwrapPerson(raw []byte, op string) (string, error) {
	var direct struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &direct); err == nil && direct.ID != "" {
		return direct.ID, nil
	}
	var envelope struct {
		Data map[string]struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if inner, ok := envelope.Data[op]; ok && inner.ID != "" {
			return inner.ID, nil
		}
	}
	return "", fmt.Errorf("twenty crm: no person id in response: %s", strings.TrimSpace(string(raw)))
}
