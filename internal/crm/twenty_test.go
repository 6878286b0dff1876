package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewClient(srv.URL, "test-key", log)
}

func TestCreatePersonDirectShape(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/people" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		name, ok := body["name"].(map[string]any)
		if !ok || name["firstName"] != "Ada" || name["lastName"] != "Lovelace" {
			t.Errorf("name payload = %v", body["name"])
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "p-123"})
	})

	id, err := c.CreatePerson(context.Background(), Person{FirstName: "Ada", LastName: "Lovelace"})
	if err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}
	if id != "p-123" {
		t.Fatalf("id = %q, want p-123", id)
	}
}

func TestCreatePersonEnvelopeShape(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"createPerson": map[string]string{"id": "p-456"}},
		})
	})

	id, err := c.CreatePerson(context.Background(), Person{FirstName: "Ada"})
	if err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}
	if id != "p-456" {
		t.Fatalf("id = %q, want p-456", id)
	}
}

func TestCreatePersonErrorStatus(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workspace suspended", http.StatusForbidden)
	})

	_, err := c.CreatePerson(context.Background(), Person{FirstName: "Ada"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", apiErr.Status)
	}
}

func TestFindPersonIDBothShapes(t *testing.T) {
	for name, payload := range map[string]any{
		"direct":   map[string]any{"people": []map[string]string{{"id": "p-1"}}},
		"envelope": map[string]any{"data": map[string]any{"people": []map[string]string{{"id": "p-1"}}}},
	} {
		t.Run(name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(payload)
			})
			id, err := c.FindPersonID(context.Background(), "Ada", "Lovelace")
			if err != nil {
				t.Fatalf("FindPersonID: %v", err)
			}
			if id != "p-1" {
				t.Fatalf("id = %q, want p-1", id)
			}
		})
	}
}

func TestFindPersonIDNoMatch(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"people": []any{}})
	})
	id, err := c.FindPersonID(context.Background(), "Nobody", "Here")
	if err != nil {
		t.Fatalf("FindPersonID: %v", err)
	}
	if id != "" {
		t.Fatalf("id = %q, want empty", id)
	}
}

func TestPersonFromContactFallsBackToCanonicalName(t *testing.T) {
	c := &domain.Contact{CanonicalName: "Grace Brewster Hopper", JobTitle: "Rear Admiral"}
	p := PersonFromContact(c, "grace@example.com", "")
	if p.FirstName != "Grace" || p.LastName != "Brewster Hopper" {
		t.Fatalf("name = %q %q", p.FirstName, p.LastName)
	}
	if p.Email != "grace@example.com" || p.JobTitle != "Rear Admiral" {
		t.Fatalf("unexpected mapping: %+v", p)
	}
}
