package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestManifestDecodesAndIgnoresUnknownFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manifest.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{
			"version": "1.2.3",
			"url": "packages/agent-1.2.3.zip",
			"checksum": "abc123",
			"file_size": 1024,
			"modules": ["network_bridge"],
			"notes": "bugfixes",
			"future_field": true
		}`))
	}))
	defer server.Close()

	f := NewFetcher(server.URL + "/manifest.json")
	m, err := f.Manifest(context.Background())
	if err != nil {
		t.Fatalf("Manifest failed: %v", err)
	}
	if m.Version != "1.2.3" || m.URL != "packages/agent-1.2.3.zip" || m.FileSize != 1024 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func TestManifestFetchedFromConfiguredURL(t *testing.T) {
	payload := []byte("zip bytes here")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/updates.json":
			w.Write([]byte(`{"version": "2.0.0", "url": "packages/agent.zip"}`))
		case "/packages/agent.zip":
			w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	// The configured URL is the manifest itself, not a base directory.
	f := NewFetcher(server.URL + "/updates.json")
	m, err := f.Manifest(context.Background())
	if err != nil {
		t.Fatalf("Manifest failed: %v", err)
	}
	if m.Version != "2.0.0" {
		t.Fatalf("Version = %q, want 2.0.0", m.Version)
	}

	artifact, err := f.Package(context.Background(), m)
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	defer artifact.Remove()
	if artifact.Size != int64(len(payload)) {
		t.Fatalf("Size = %d, want %d", artifact.Size, len(payload))
	}
}

func TestManifestMalformedJSONIsInvalidBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version": `))
	}))
	defer server.Close()

	f := NewFetcher(server.URL)
	_, err := f.Manifest(context.Background())
	if !errors.Is(err, ErrInvalidBody) {
		t.Fatalf("err = %v, want ErrInvalidBody", err)
	}
}

func TestManifestMissingVersionIsInvalidBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url": "pkg.zip"}`))
	}))
	defer server.Close()

	f := NewFetcher(server.URL)
	_, err := f.Manifest(context.Background())
	if !errors.Is(err, ErrInvalidBody) {
		t.Fatalf("err = %v, want ErrInvalidBody", err)
	}
}

func TestManifestServerDownIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse all connections

	f := NewFetcher(server.URL)
	f.retry.MaxRetries = 0
	_, err := f.Manifest(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestManifestNotFoundIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := NewFetcher(server.URL)
	_, err := f.Manifest(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestPackageDownloadsRelativeURL(t *testing.T) {
	payload := []byte("zip bytes here")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/packages/agent.zip" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer server.Close()

	f := NewFetcher(server.URL)
	artifact, err := f.Package(context.Background(), &Manifest{
		Version:  "1.0.0",
		URL:      "packages/agent.zip",
		FileSize: int64(len(payload)),
	})
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	defer artifact.Remove()

	got, err := os.ReadFile(artifact.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("downloaded %q, want %q", got, payload)
	}
	if artifact.Size != int64(len(payload)) {
		t.Fatalf("Size = %d, want %d", artifact.Size, len(payload))
	}
}

func TestPackageOversizedBodyIsInvalidBody(t *testing.T) {
	big := make([]byte, 8192)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(big)
	}))
	defer server.Close()

	f := NewFetcher(server.URL)
	f.SetSizeMargin(4096)
	_, err := f.Package(context.Background(), &Manifest{
		Version:  "1.0.0",
		URL:      "agent.zip",
		FileSize: 1024,
	})
	if !errors.Is(err, ErrInvalidBody) {
		t.Fatalf("err = %v, want ErrInvalidBody", err)
	}
}

func TestPackageWithinSizeMarginIsAccepted(t *testing.T) {
	body := make([]byte, 2048)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer server.Close()

	f := NewFetcher(server.URL)
	f.SetSizeMargin(4096)
	artifact, err := f.Package(context.Background(), &Manifest{
		Version:  "1.0.0",
		URL:      "agent.zip",
		FileSize: 1024,
	})
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	artifact.Remove()
}

func TestArtifactRemoveIsIdempotent(t *testing.T) {
	tempFile, err := os.CreateTemp(t.TempDir(), "artifact-*")
	if err != nil {
		t.Fatal(err)
	}
	tempFile.Close()

	a := &Artifact{Path: tempFile.Name()}
	a.Remove()
	a.Remove()

	if a.Path != "" {
		t.Fatalf("Path after Remove = %q, want empty", a.Path)
	}
}
