package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestPostJSON tests the PostJSON method with various scenarios
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    interface{}
		responseBody   interface{}
		expectError    bool
		slowServer     bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"error":"internal error"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
		},
		{
			name:           "bad request",
			serverResponse: http.StatusBadRequest,
			serverBody:     `bad json`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
		},
		{
			name:           "per-call timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			slowServer:     true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int), // channels can't be marshaled
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("Expected POST method, got %s", r.Method)
				}
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("Expected Content-Type application/json, got %s", ct)
				}
				if tt.slowServer {
					time.Sleep(200 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			client := NewClient(50 * time.Millisecond)
			err := client.PostJSON(context.Background(), server.URL, tt.requestBody, tt.responseBody)

			if tt.expectError && err == nil {
				t.Errorf("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if !tt.expectError && tt.responseBody != nil {
				respMap := tt.responseBody.(*map[string]string)
				if (*respMap)["status"] != "ok" {
					t.Errorf("Expected response status 'ok', got %v", *respMap)
				}
			}
		})
	}
}

// TestPostJSONStatusError verifies non-2xx responses surface as *StatusError
func TestPostJSONStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown peer", http.StatusForbidden)
	}))
	defer server.Close()

	err := NewClient(time.Second).PostJSON(context.Background(), server.URL, struct{}{}, nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *StatusError, got %T (%v)", err, err)
	}
	if se.Code != http.StatusForbidden {
		t.Errorf("Expected code 403, got %d", se.Code)
	}
	if se.Detail != "unknown peer" {
		t.Errorf("Expected detail 'unknown peer', got %q", se.Detail)
	}
}

// TestGetJSON tests the GetJSON method with various scenarios
func TestGetJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		expectError    bool
	}{
		{name: "successful GET", serverResponse: http.StatusOK, serverBody: `{"data":"test","value":123}`},
		{name: "not found error", serverResponse: http.StatusNotFound, serverBody: `{"error":"not found"}`, expectError: true},
		{name: "invalid JSON response", serverResponse: http.StatusOK, serverBody: `{invalid json}`, expectError: true},
		{name: "redirect response", serverResponse: http.StatusMovedPermanently, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("Expected GET method, got %s", r.Method)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			var out map[string]interface{}
			err := NewClient(time.Second).GetJSON(context.Background(), server.URL, &out)

			if tt.expectError && err == nil {
				t.Errorf("Expected error but got none")
			}
			if !tt.expectError {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if out["data"] != "test" {
					t.Errorf("Expected data 'test', got %v", out["data"])
				}
				if out["value"] != float64(123) { // JSON numbers decode as float64
					t.Errorf("Expected value 123, got %v", out["value"])
				}
			}
		})
	}
}

// TestClientUnreachable tests that refused connections resolve to an error
func TestClientUnreachable(t *testing.T) {
	client := NewClient(100 * time.Millisecond)
	ctx := context.Background()

	if err := client.PostJSON(ctx, "://invalid-url", map[string]string{}, nil); err == nil {
		t.Error("Expected error for invalid URL, got none")
	}
	if err := client.GetJSON(ctx, "http://localhost:99999", &struct{}{}); err == nil {
		t.Error("Expected error for unreachable server, got none")
	}
}

// TestNewClientDefaultTimeout verifies the zero-value fallback
func TestNewClientDefaultTimeout(t *testing.T) {
	if got := NewClient(0).Timeout(); got != DefaultTimeout {
		t.Errorf("Expected default timeout %v, got %v", DefaultTimeout, got)
	}
}
