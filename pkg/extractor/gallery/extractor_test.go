package gallery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fetchq/fetchq/pkg/extractor"
)

const galleryHTML = `<html>
<head>
<title>Holiday album</title>
<meta property="og:title" content="Holiday album"/>
<meta property="og:site_name" content="PhotoSite"/>
<meta property="og:image" content="https://cdn.example.com/a.jpg"/>
</head>
<body>
<figure><img src="https://cdn.example.com/b.jpg"></figure>
<figure><img src="https://cdn.example.com/b.jpg"></figure>
<div class="gallery"><img src="https://cdn.example.com/c.jpg"></div>
</body>
</html>`

func TestCanHandle(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		locator string
		want    bool
	}{
		{"https://www.instagram.com/p/Abc-123/", true},
		{"https://www.instagram.com/reel/Xyz987/", true},
		{"https://imgur.com/a/abc123", true},
		{"https://www.flickr.com/photos/someone/albums/1", true},
		{"https://www.youtube.com/watch?v=abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.locator, func(t *testing.T) {
			if got := e.CanHandle(tt.locator); got != tt.want {
				t.Errorf("CanHandle(%q) = %v, want %v", tt.locator, got, tt.want)
			}
		})
	}
}

func TestExtract_CollectsImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(galleryHTML))
	}))
	defer srv.Close()

	e := New(DefaultConfig())

	result, err := e.Extract(context.Background(), srv.URL+"/album/1", nil)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	if result.Title != "Holiday album" {
		t.Errorf("Title = %q, want %q", result.Title, "Holiday album")
	}
	if result.MediaType != "gallery" {
		t.Errorf("MediaType = %q, want gallery", result.MediaType)
	}
	// a.jpg from og:image, b.jpg deduplicated, c.jpg from .gallery
	if len(result.Streams) != 3 {
		t.Fatalf("expected 3 streams, got %d: %+v", len(result.Streams), result.Streams)
	}
}

func TestExtract_MaxImagesBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body class="gallery">` +
			`<figure><img src="/1.jpg"></figure>` +
			`<figure><img src="/2.jpg"></figure>` +
			`<figure><img src="/3.jpg"></figure>` +
			`</body></html>`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxImages = 2
	e := New(cfg)

	result, err := e.Extract(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if len(result.Streams) != 2 {
		t.Errorf("expected 2 streams, got %d", len(result.Streams))
	}
}

func TestExtract_EmptyPageIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><p>nothing here</p></body></html>`))
	}))
	defer srv.Close()

	e := New(DefaultConfig())

	_, err := e.Extract(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error for image-less page")
	}
	if extractor.IsTransient(err) {
		t.Errorf("empty gallery should be permanent: %v", err)
	}
}
