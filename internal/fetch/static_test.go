package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStaticFetchesHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != userAgent {
			t.Errorf("user agent = %q", ua)
		}
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer server.Close()

	f := NewStatic(time.Second, 0)
	html, err := f.HTML(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("HTML: %v", err)
	}
	if html != "<html><body>ok</body></html>" {
		t.Fatalf("body = %q", html)
	}
}

func TestStaticRetriesServerErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	f := NewStatic(time.Second, 2)
	html, err := f.HTML(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("HTML after retry: %v", err)
	}
	if html != "recovered" || calls != 2 {
		t.Fatalf("html=%q calls=%d", html, calls)
	}
}

func TestStaticDoesNotRetryNotFound(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewStatic(time.Second, 3)
	if _, err := f.HTML(context.Background(), server.URL); err == nil {
		t.Fatal("expected error for 404")
	}
	if calls != 1 {
		t.Fatalf("404 was retried: %d calls", calls)
	}
}

func TestStaticHonorsCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewStatic(time.Second, 5)
	if _, err := f.HTML(ctx, server.URL); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}

func TestNewFetcherKinds(t *testing.T) {
	f, err := New(KindStatic, time.Second, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.(*Static); !ok {
		t.Fatalf("New(KindStatic) = %T, want *Static", f)
	}

	f, err = New("", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	st, ok := f.(*Static)
	if !ok {
		t.Fatalf("New(\"\") = %T, want *Static", f)
	}
	if st.client.Timeout != DefaultTimeout {
		t.Fatalf("default timeout not applied: %v", st.client.Timeout)
	}

	f, err = New(KindBrowser, time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.(*Browser); !ok {
		t.Fatalf("New(KindBrowser) = %T, want *Browser", f)
	}

	if _, err := New("carrier-pigeon", time.Second, 0); err == nil {
		t.Fatal("expected error for unknown fetcher kind")
	}
}
