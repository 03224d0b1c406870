package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func doGet(t *testing.T, c HTTPClient, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return c.Do(req)
}

func TestStandardClientWraps(t *testing.T) {
	customClient := &http.Client{}
	client := NewStandardClient(customClient)
	if client.Client != customClient {
		t.Error("expected custom client to be wrapped")
	}
}

func TestStandardClientDo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("accepted"))
	}))
	defer server.Close()

	client := NewStandardClient(nil)
	req, err := http.NewRequest(http.MethodPut, server.URL+"/resource", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "accepted" {
		t.Errorf("got body %q, want 'accepted'", string(body))
	}
}

func TestMockHTTPClientQueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "first")
	mock.AddResponse(http.StatusAccepted, "second")

	resp1, err := doGet(t, mock, "http://example.com/1")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	body1, _ := io.ReadAll(resp1.Body)
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK || string(body1) != "first" {
		t.Errorf("first response = %d %q", resp1.StatusCode, body1)
	}

	resp2, err := doGet(t, mock, "http://example.com/2")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Errorf("second response status = %d, want %d", resp2.StatusCode, http.StatusAccepted)
	}

	if mock.RequestCount() != 2 {
		t.Errorf("got %d requests, want 2", mock.RequestCount())
	}
}

func TestMockHTTPClientDefaultResponse(t *testing.T) {
	// With nothing queued and no error set, the mock answers an empty 200.
	mock := NewMockHTTPClient()

	resp, err := doGet(t, mock, "http://example.com/api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestMockHTTPClientErrorResponses(t *testing.T) {
	mock := NewMockHTTPClient()
	queuedErr := errors.New("connection refused")
	mock.AddErrorResponse(queuedErr)
	if _, err := doGet(t, mock, "http://example.com/api"); err != queuedErr {
		t.Errorf("got error %v, want %v", err, queuedErr)
	}

	mock.DefaultError = errors.New("network down")
	if _, err := doGet(t, mock, "http://example.com/api"); err != mock.DefaultError {
		t.Errorf("got error %v, want %v", err, mock.DefaultError)
	}
}

func TestMockHTTPClientGetRequest(t *testing.T) {
	mock := NewMockHTTPClient()
	doGet(t, mock, "http://example.com/first")
	doGet(t, mock, "http://example.com/second")

	req0 := mock.GetRequest(0)
	if req0 == nil || !strings.Contains(req0.URL.String(), "first") {
		t.Error("GetRequest(0) should return first request")
	}
	req1 := mock.GetRequest(1)
	if req1 == nil || !strings.Contains(req1.URL.String(), "second") {
		t.Error("GetRequest(1) should return second request")
	}
	if mock.GetRequest(99) != nil || mock.GetRequest(-1) != nil {
		t.Error("out-of-range GetRequest should return nil")
	}
}
