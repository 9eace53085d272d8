package aiextract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParse_NormalizesFields(t *testing.T) {
	attrs, err := Parse("```json\n" + `{
		"make": "Mercedes-AMG",
		"model": "C-Klasse",
		"variant": "C 63 S",
		"mileage": "85.000 km",
		"fuelType": "Benzin",
		"bodyType": "Limousine",
		"drivetrain": "4MATIC",
		"seats": 5,
		"price": null,
		"options": ["Panoramadach", " "],
		"customsPaid": true
	}` + "\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if attrs.Make != "Mercedes-Benz" {
		t.Fatalf("expected make alias to collapse, got %q", attrs.Make)
	}
	if attrs.Model != "C-Class" {
		t.Fatalf("expected C-Class, got %q", attrs.Model)
	}
	if attrs.FuelType != "Petrol" || attrs.BodyType != "Sedan" || attrs.Drivetrain != "AWD" {
		t.Fatalf("unexpected vocabulary mapping %+v", attrs)
	}
	if attrs.Mileage == nil || *attrs.Mileage != 85000 {
		t.Fatalf("expected mileage 85000, got %v", attrs.Mileage)
	}
	if attrs.Seats == nil || *attrs.Seats != 5 {
		t.Fatalf("expected 5 seats, got %v", attrs.Seats)
	}
	if attrs.Price != nil {
		t.Fatalf("null price must stay unset")
	}
	if len(attrs.Options) != 1 || !attrs.CustomsPaid {
		t.Fatalf("unexpected options/customs %+v", attrs)
	}
}

func TestParse_EmptyObjectIsEmpty(t *testing.T) {
	attrs, err := Parse(`{}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !attrs.IsEmpty() {
		t.Fatalf("expected empty attributes, got %+v", attrs)
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	if _, err := Parse("sorry, I cannot help"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestExtract_CallsChatCompletion(t *testing.T) {
	var gotModel string
	var gotCaption string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		if len(req.Messages) == 2 {
			gotCaption = req.Messages[1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"make":"BMW","model":"1er","price":21990}`,
				},
			}},
		})
	}))
	defer srv.Close()

	x, err := New(Config{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "test-model"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	attrs, err := x.Extract(context.Background(), "BMW 118i, 21.990 EUR")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if gotModel != "test-model" || gotCaption != "BMW 118i, 21.990 EUR" {
		t.Fatalf("unexpected request model=%q caption=%q", gotModel, gotCaption)
	}
	if attrs.Model != "1 Series" || attrs.Price == nil || *attrs.Price != 21990 {
		t.Fatalf("unexpected attributes %+v", attrs)
	}
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
