package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPUploaderSendsMultipartFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("got auth %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "png-bytes" {
			t.Errorf("got file body %q", data)
		}
		if !strings.HasSuffix(header.Filename, ".png") {
			t.Errorf("got filename %q", header.Filename)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"code":0,"msg":"ok","data":{"url":"https://cdn.example/x.png"}}`)
	}))
	defer srv.Close()

	up, err := NewHTTPUploader(srv.URL, "key", srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPUploader: %v", err)
	}
	url, err := up.Upload(context.Background(), []byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "https://cdn.example/x.png" {
		t.Fatalf("got url %q", url)
	}
}

func TestHTTPUploaderRejections(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "nonzero code", status: http.StatusOK, body: `{"code":1,"msg":"quota"}`},
		{name: "missing url", status: http.StatusOK, body: `{"code":0,"data":{}}`},
		{name: "not json", status: http.StatusOK, body: "<html>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			up, err := NewHTTPUploader(srv.URL, "", srv.Client())
			if err != nil {
				t.Fatalf("NewHTTPUploader: %v", err)
			}
			_, err = up.Upload(context.Background(), []byte("x"), "image/png")
			var upErr *UploadError
			if !errors.As(err, &upErr) {
				t.Fatalf("got %v want UploadError", err)
			}
		})
	}
}

func TestFetcherLimitsAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/big":
			_, _ = io.WriteString(w, strings.Repeat("a", 64))
		case "/empty":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	f.maxBytes = 16

	for _, path := range []string{"/big", "/empty", "/missing"} {
		_, _, err := f.Fetch(context.Background(), srv.URL+path)
		var fetchErr *ArtifactFetchError
		if !errors.As(err, &fetchErr) {
			t.Fatalf("%s: got %v want ArtifactFetchError", path, err)
		}
	}
}

func TestGateReleaseIsIdempotent(t *testing.T) {
	g := NewGate(1)
	release, err := g.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := g.TryAcquire(); !errors.Is(err, ErrTooManyGenerations) {
		t.Fatalf("got %v want ErrTooManyGenerations", err)
	}
	release()
	release()
	if g.InFlight() != 0 {
		t.Fatalf("got %d in flight want 0", g.InFlight())
	}
	release2, err := g.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	release2()
}

func TestComputeBackoff(t *testing.T) {
	if got := computeBackoff(100, 1000, 0); got != 100 {
		t.Fatalf("attempt 0: got %v", got)
	}
	if got := computeBackoff(100, 1000, 2); got != 400 {
		t.Fatalf("attempt 2: got %v", got)
	}
	if got := computeBackoff(100, 1000, 10); got != 1000 {
		t.Fatalf("attempt 10: got %v", got)
	}
}
