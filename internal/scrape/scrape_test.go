package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/imdbx/internal/fetch"
	"github.com/John-Robertt/imdbx/internal/site"
)

type recordDumper struct {
	mu     sync.Mutex
	labels []string
	pages  [][]byte
	err    error
}

func (d *recordDumper) Save(label string, page []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.labels = append(d.labels, label)
	d.pages = append(d.pages, page)
	return "/tmp/debug_page_" + label + ".html", nil
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return b
}

// newSite 按路径返回 testdata 中的页面；未登记的路径返回 404 页面。
func newSite(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	pages := map[string][]byte{}
	for path, name := range routes {
		pages[path] = fixture(t, name)
	}
	notFound := fixture(t, "notfound.html")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if b, ok := pages[r.URL.Path]; ok {
			_, _ = w.Write(b)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write(notFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSession(t *testing.T) *fetch.Session {
	t.Helper()
	s, err := fetch.NewSession(fetch.Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDiscover_ResolvesLinksInRankOrderAndSkipsBrokenRows(t *testing.T) {
	srv := newSite(t, map[string]string{"/pt/chart/top/": "chart.html"})
	s := newSession(t)
	require.NoError(t, s.Navigate(context.Background(), srv.URL+"/pt/chart/top/"))

	d := Discoverer{Fetcher: s, Profile: site.IMDb(), Timeout: time.Second}
	links, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{
		srv.URL + "/pt/title/tt0111161/?ref_=chttp_t_1",
		"https://www.imdb.com/title/tt0068646/",
		srv.URL + "/pt/title/tt0137523/",
	}, links)
}

func TestDiscover_TimeoutReturnsEmptyAndDumpsPage(t *testing.T) {
	srv := newSite(t, nil)
	s := newSession(t)
	_ = s.Navigate(context.Background(), srv.URL+"/pt/chart/top/")

	dumper := &recordDumper{}
	d := Discoverer{Fetcher: s, Profile: site.IMDb(), Timeout: 60 * time.Millisecond, Dumper: dumper}
	links, err := d.Discover(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryTimeout)
	require.Empty(t, links)
	require.Equal(t, []string{"filmlist"}, dumper.labels)
	require.Contains(t, string(dumper.pages[0]), "Página não encontrada")
}

func TestDiscover_CancelledContext(t *testing.T) {
	srv := newSite(t, nil)
	s := newSession(t)
	_ = s.Navigate(context.Background(), srv.URL+"/")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dumper := &recordDumper{}
	d := Discoverer{Fetcher: s, Profile: site.IMDb(), Timeout: time.Second, Dumper: dumper}
	_, err := d.Discover(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, dumper.labels)
}

func TestExtract_FullRecord(t *testing.T) {
	srv := newSite(t, map[string]string{"/pt/title/tt0137523/": "title_full.html"})
	x := Extractor{Fetcher: newSession(t), Profile: site.IMDb(), Timeout: time.Second}

	rec, err := x.Extract(context.Background(), srv.URL+"/pt/title/tt0137523/")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "Clube da Luta", *rec.Title)
	require.Equal(t, "1999", *rec.Year)
	require.Equal(t, "2h 19min", *rec.Duration)
	require.Equal(t, "8,8", *rec.Rating)
	require.Equal(t, "Um funcionário de escritório insone e um fabricante de sabão formam um clube de luta clandestino.", *rec.Synopsis)
	require.Zero(t, rec.Seq)
}

func TestExtract_MissingFieldsAreNilButRecordSurvives(t *testing.T) {
	srv := newSite(t, map[string]string{"/pt/title/tt9/": "title_partial.html"})
	x := Extractor{Fetcher: newSession(t), Profile: site.IMDb(), Timeout: time.Second}

	rec, err := x.Extract(context.Background(), srv.URL+"/pt/title/tt9/")
	require.NoError(t, err)
	require.Equal(t, "Curta", *rec.Title)
	require.Equal(t, "2004", *rec.Year)
	require.Nil(t, rec.Duration)
	require.Nil(t, rec.Rating)
	require.Nil(t, rec.Synopsis)
}

func TestExtract_LegacyProfile(t *testing.T) {
	srv := newSite(t, map[string]string{"/title/tt0068646/": "title_legacy.html"})
	x := Extractor{Fetcher: newSession(t), Profile: site.IMDbLegacy(), Timeout: time.Second}

	rec, err := x.Extract(context.Background(), srv.URL+"/title/tt0068646/")
	require.NoError(t, err)
	require.Equal(t, "O Poderoso Chefão", *rec.Title)
	require.Equal(t, "1972", *rec.Year)
	require.Equal(t, "2h 55min", *rec.Duration)
	require.Equal(t, "9,2", *rec.Rating)
	require.Equal(t, "O patriarca de uma dinastia do crime organizado transfere o controle para o filho relutante.", *rec.Synopsis)
}

func TestExtract_GateTimeoutYieldsNoRecord(t *testing.T) {
	srv := newSite(t, nil)
	dumper := &recordDumper{}
	x := Extractor{Fetcher: newSession(t), Profile: site.IMDb(), Timeout: 60 * time.Millisecond, Dumper: dumper}

	rec, err := x.Extract(context.Background(), srv.URL+"/pt/title/tt404/")
	require.Nil(t, rec)
	require.ErrorIs(t, err, ErrDetailGateTimeout)
	require.Equal(t, []string{"moviedetail"}, dumper.labels)
}

func TestExtract_DumpFailureDoesNotChangeOutcome(t *testing.T) {
	srv := newSite(t, nil)
	dumper := &recordDumper{err: errors.New("disk full")}
	x := Extractor{Fetcher: newSession(t), Profile: site.IMDb(), Timeout: 40 * time.Millisecond, Dumper: dumper}

	rec, err := x.Extract(context.Background(), srv.URL+"/x/")
	require.Nil(t, rec)
	require.ErrorIs(t, err, ErrDetailGateTimeout)
}

func TestExtract_RecoversAfterTransientError(t *testing.T) {
	page := fixture(t, "title_full.html")
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(page)
	}))
	defer srv.Close()

	x := Extractor{Fetcher: newSession(t), Profile: site.IMDb(), Timeout: time.Second}
	rec, err := x.Extract(context.Background(), srv.URL+"/pt/title/tt0137523/")
	require.NoError(t, err)
	require.Equal(t, "Clube da Luta", *rec.Title)
}

func TestResolveURL(t *testing.T) {
	base := "https://www.imdb.com/pt/chart/top/"
	require.Equal(t, "https://www.imdb.com/pt/title/tt1/", resolveURL(base, "/pt/title/tt1/"))
	require.Equal(t, "https://www.imdb.com/pt/chart/top/tt2", resolveURL(base, "tt2"))
	require.Equal(t, "https://m.imdb.com/title/tt3/", resolveURL(base, "//m.imdb.com/title/tt3/"))
	require.Equal(t, "http://x.test/a", resolveURL(base, " http://x.test/a "))
	require.Equal(t, "", resolveURL(base, "  "))
}
