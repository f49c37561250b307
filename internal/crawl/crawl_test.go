package crawl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const articleHTML = `<!doctype html>
<html>
<head>
  <title>Fallback Title</title>
  <meta property="og:title" content="How To Brew Coffee">
  <meta name="description" content="A short guide to brewing.">
</head>
<body>
  <nav><a href="/home">Home</a> <a href="/about">About</a></nav>
  <article>
    <h1>How To Brew Coffee</h1>
    <p>Grind the beans.</p>
    <p>Pour the water.</p>
    <script>trackPageView()</script>
  </article>
  <footer>Copyright 2026</footer>
</body>
</html>`

func TestFetchExtractsArticle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	f := NewFetcher(Config{Timeout: 5 * time.Second}, zap.NewNop())
	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Equal(t, srv.URL, page.URL)
	require.Equal(t, "How To Brew Coffee", page.Title)
	require.Contains(t, page.Text, "Grind the beans.")
	require.Contains(t, page.Text, "Pour the water.")
	require.NotContains(t, page.Text, "trackPageView")
	require.NotContains(t, page.Text, "Copyright")
	require.Equal(t, "A short guide to brewing.", page.Metadata["description"])
}

func TestFetchStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(Config{Timeout: 5 * time.Second}, zap.NewNop())
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestFetchEmptyBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewFetcher(Config{Timeout: 5 * time.Second}, zap.NewNop())
	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Empty(t, page.Text)
}

func TestExtractFallsBackToBody(t *testing.T) {
	t.Parallel()

	page, err := extract([]byte(`<html><head><title>Plain</title></head><body><p>Only body text here.</p></body></html>`))
	require.NoError(t, err)
	require.Equal(t, "Plain", page.Title)
	require.Equal(t, "Only body text here.", page.Text)
}
