package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/truthforge/forge/internal/store/canonical"
)

func TestTransformerEmotionMapsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emotions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if req["text"] == "" {
			t.Error("empty text in request")
		}
		json.NewEncoder(w).Encode(emotionResponse{
			Scores:  map[string]float64{"joy": 0.9, "neutral": 0.1},
			Top:     []string{"joy"},
			Primary: "joy",
			Score:   0.9,
			Model:   "goemotions-base",
			Version: "1",
		})
	}))
	defer srv.Close()

	p, err := NewPass("transformer_emotion", Deps{Model: NewModelClient(srv.URL)})
	if err != nil {
		t.Fatal(err)
	}
	vals, err := p.Enrich(context.Background(), canonical.EnrichTarget{EntityID: "e1", Text: "so happy today"})
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if vals["goemotions_primary_emotion"] != "joy" {
		t.Fatalf("primary = %v", vals["goemotions_primary_emotion"])
	}
	var scores map[string]float64
	if err := json.Unmarshal([]byte(vals["goemotions_scores"].(string)), &scores); err != nil {
		t.Fatal(err)
	}
	if scores["joy"] != 0.9 {
		t.Fatalf("scores = %v", scores)
	}
}

func TestModelErrorSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewPass("toxicity", Deps{Model: NewModelClient(srv.URL)})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Enrich(context.Background(), canonical.EnrichTarget{EntityID: "e1", Text: "hi"})
	var mErr *ModelError
	if !errors.As(err, &mErr) {
		t.Fatalf("want ModelError, got %v", err)
	}
	if mErr.Status != http.StatusServiceUnavailable || !mErr.Transient() {
		t.Fatalf("error misclassified: %+v", mErr)
	}
}

func TestCorrectRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/correct" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"corrected": "I am on my way."})
	}))
	defer srv.Close()

	got, err := NewModelClient(srv.URL).Correct(context.Background(), "im omw")
	if err != nil {
		t.Fatal(err)
	}
	if got != "I am on my way." {
		t.Fatalf("corrected = %q", got)
	}
}
