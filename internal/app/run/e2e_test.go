package run

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Robertt/imdbx/internal/config"
	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/fetch"
)

const detailTmpl = `<html><body>
<h1 data-testid="hero__pageTitle"><span>%s</span></h1>
<ul><li>%s</li><li>16</li><li>%s</li></ul>
<div data-testid="hero-rating-bar__aggregate-rating__score"><span>%s</span><span>/10</span></div>
<p data-testid="plot">%s</p>
</body></html>`

// fakeIMDb 提供一个三条目的榜单：第 2 条的详情页永远不出现标题。
func fakeIMDb(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/pt/chart/top/": `<html><body><ul>
<li class="ipc-metadata-list-summary-item"><div class="ipc-title"><a href="/pt/title/tt1/">1. Um</a></div></li>
<li class="ipc-metadata-list-summary-item"><div class="ipc-title"><a href="/pt/title/tt2/">2. Dois</a></div></li>
<li class="ipc-metadata-list-summary-item"><div class="ipc-title"><a href="/pt/title/tt3/">3. Três</a></div></li>
</ul></body></html>`,
		"/pt/title/tt1/": fmt.Sprintf(detailTmpl, "Um Sonho de Liberdade", "1994", "2h 22min", "9,3", "Dois homens presos."),
		"/pt/title/tt2/": `<html><body><div class="error">Algo deu errado</div></body></html>`,
		"/pt/title/tt3/": fmt.Sprintf(detailTmpl, "O Poderoso Chefão", "1972", "2h 55min", "9,2", "O patriarca."),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := pages[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("<html><body>404</body></html>"))
			return
		}
		_, _ = w.Write([]byte(b))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, chartURL string) config.EffectiveConfig {
	t.Helper()
	return config.EffectiveConfig{
		BaseDir:        filepath.Join(t.TempDir(), "executions"),
		ChartURL:       chartURL,
		Profile:        "imdb",
		Output:         "top.csv",
		CatalogTimeout: 200 * time.Millisecond,
		DetailTimeout:  100 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		RetryMax:       0,
		LogLevel:       "debug",
		DebugDump:      true,
	}
}

type recordObserver struct {
	mu sync.Mutex

	startCalls int
	phases     []string
	started    []int
	items      []domain.ItemResult
	onItemDone func(idx int)
}

func (o *recordObserver) OnStart(config.EffectiveConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startCalls++
}

func (o *recordObserver) OnPhaseDone(name string, _ map[string]any, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, name)
}

func (o *recordObserver) OnItemStart(idx, _ int, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, idx)
}

func (o *recordObserver) OnItemDone(idx, _ int, res domain.ItemResult, _ time.Duration) {
	o.mu.Lock()
	o.items = append(o.items, res)
	hook := o.onItemDone
	o.mu.Unlock()
	if hook != nil {
		hook(idx)
	}
}

func (o *recordObserver) OnProgress(int, int, int, int, string, time.Duration) {}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(b)).ReadAll()
	require.NoError(t, err)
	return rows
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func TestExecute_EndToEnd(t *testing.T) {
	srv := fakeIMDb(t)
	eff := testConfig(t, srv.URL+"/pt/chart/top/")
	obs := &recordObserver{}

	rr := ExecuteWithObserver(context.Background(), eff, Options{}, obs)

	require.Empty(t, rr.ErrorCode, rr.ErrorMsg)
	require.NotEmpty(t, rr.RunID)
	require.Equal(t, 3, rr.LinksFound)
	require.Equal(t, domain.ReportSummary{Succeeded: 2, Failed: 1, Rows: 2}, rr.Summary)
	require.Equal(t, domain.ErrCodeDetailGateTimeout, rr.Items[1].ErrorCode)
	require.Equal(t, "raw/movie_1.json", rr.Items[0].Checkpoint)
	require.Equal(t, "processed/top.csv", rr.Export)

	layout := Layout{Root: rr.RunDir}
	require.True(t, strings.HasPrefix(filepath.Base(rr.RunDir), "run_"))
	require.Equal(t, []string{"movie_1.json", "movie_3.json"}, listDir(t, layout.RawDir()))

	rows := readCSV(t, filepath.Join(layout.ProcessedDir(), "top.csv"))
	require.Equal(t, [][]string{
		domain.Columns,
		{"Um Sonho de Liberdade", "1994", "2h 22min", "9,3", "Dois homens presos."},
		{"O Poderoso Chefão", "1972", "2h 55min", "9,2", "O patriarca."},
	}, rows)

	dumps := listDir(t, layout.DebugDir())
	require.Len(t, dumps, 1)
	require.True(t, strings.HasPrefix(dumps[0], "debug_page_moviedetail_"), dumps[0])

	logText, err := os.ReadFile(layout.LogFile())
	require.NoError(t, err)
	require.Contains(t, string(logText), "运行摘要")

	var onDisk domain.RunReport
	b, err := os.ReadFile(layout.ReportFile())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &onDisk))
	require.Equal(t, rr.RunID, onDisk.RunID)
	require.Equal(t, rr.Summary, onDisk.Summary)

	require.Equal(t, 1, obs.startCalls)
	require.Equal(t, []string{"discover", "extract", "consolidate"}, obs.phases)
	require.Equal(t, []int{1, 2, 3}, obs.started)
	require.Len(t, obs.items, 3)
}

func TestExecute_DiscoveryTimeout(t *testing.T) {
	srv := fakeIMDb(t)
	eff := testConfig(t, srv.URL+"/pt/chart/missing/")

	rr := Execute(context.Background(), eff, Options{})

	require.Equal(t, domain.ErrCodeDiscoveryTimeout, rr.ErrorCode)
	require.Zero(t, rr.LinksFound)
	require.Empty(t, rr.Items)
	require.Empty(t, rr.Export)

	layout := Layout{Root: rr.RunDir}
	require.Empty(t, listDir(t, layout.RawDir()))
	require.Empty(t, listDir(t, layout.ProcessedDir()))
	dumps := listDir(t, layout.DebugDir())
	require.Len(t, dumps, 1)
	require.True(t, strings.HasPrefix(dumps[0], "debug_page_filmlist_"), dumps[0])
}

func TestExecute_DebugDumpDisabled(t *testing.T) {
	srv := fakeIMDb(t)
	eff := testConfig(t, srv.URL+"/pt/chart/missing/")
	eff.DebugDump = false

	rr := Execute(context.Background(), eff, Options{})
	require.Equal(t, domain.ErrCodeDiscoveryTimeout, rr.ErrorCode)
	require.Empty(t, listDir(t, Layout{Root: rr.RunDir}.DebugDir()))
}

// panicFetcher 在打开指定 URL 时 panic，用于验证运行边界的兜底。
type panicFetcher struct {
	fetch.Fetcher
	panicOn string

	mu         sync.Mutex
	closeCalls int
}

func (f *panicFetcher) Navigate(ctx context.Context, url string) error {
	if strings.HasSuffix(url, f.panicOn) {
		panic("浏览器进程退出")
	}
	return f.Fetcher.Navigate(ctx, url)
}

func (f *panicFetcher) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return f.Fetcher.Close()
}

func TestExecute_PanicClosesFetcherOnceAndKeepsCheckpoints(t *testing.T) {
	srv := fakeIMDb(t)
	eff := testConfig(t, srv.URL+"/pt/chart/top/")

	var pf *panicFetcher
	opts := Options{
		NewFetcher: func(eff config.EffectiveConfig, logger *log.Logger, tracer trace.Tracer) (fetch.Fetcher, error) {
			inner, err := NewHTTPFetcher(eff, logger, tracer)
			if err != nil {
				return nil, err
			}
			pf = &panicFetcher{Fetcher: inner, panicOn: "/pt/title/tt2/"}
			return pf, nil
		},
	}

	rr := Execute(context.Background(), eff, opts)

	require.Equal(t, domain.ErrCodeUnhandled, rr.ErrorCode)
	require.Equal(t, 1, pf.closeCalls)
	require.Equal(t, 3, rr.LinksFound)
	require.Equal(t, 1, rr.Summary.Succeeded)
	require.Equal(t, 2, rr.Summary.Failed)
	require.Equal(t, 1, rr.Summary.Rows)

	logText, err := os.ReadFile(Layout{Root: rr.RunDir}.LogFile())
	require.NoError(t, err)
	require.Contains(t, string(logText), "critical=true")

	_, err = os.Stat(Layout{Root: rr.RunDir}.ReportFile())
	require.NoError(t, err)
}

func TestExecute_CancelledRunStillConsolidates(t *testing.T) {
	srv := fakeIMDb(t)
	eff := testConfig(t, srv.URL+"/pt/chart/top/")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := &recordObserver{onItemDone: func(idx int) {
		if idx == 1 {
			cancel()
		}
	}}

	rr := ExecuteWithObserver(ctx, eff, Options{}, obs)

	require.Equal(t, domain.ErrCodeCancelled, rr.ErrorCode)
	require.Equal(t, rr.LinksFound, rr.Summary.Succeeded+rr.Summary.Failed)
	require.Equal(t, 1, rr.Summary.Succeeded)
	require.Equal(t, domain.ErrCodeCancelled, rr.Items[2].ErrorCode)
	require.Equal(t, 1, rr.Summary.Rows)
}

func TestExecute_EmitsSpans(t *testing.T) {
	srv := fakeIMDb(t)
	eff := testConfig(t, srv.URL+"/pt/chart/top/")
	eff.Limit = 1

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	rr := Execute(context.Background(), eff, Options{Tracer: tp.Tracer("test")})
	require.Empty(t, rr.ErrorCode, rr.ErrorMsg)

	names := map[string]int{}
	for _, s := range rec.Ended() {
		names[s.Name()]++
	}
	for _, want := range []string{"run", "pipeline", "discover", "extract", "checkpoint.write", "consolidate"} {
		require.Equal(t, 1, names[want], "span %s", want)
	}
	require.GreaterOrEqual(t, names["http GET"], 2)
}

func TestExecute_RunDirCollision(t *testing.T) {
	srv := fakeIMDb(t)
	eff := testConfig(t, srv.URL+"/pt/chart/top/")
	eff.Limit = 1
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	opts := Options{Now: func() time.Time { return fixed }}

	a := Execute(context.Background(), eff, opts)
	b := Execute(context.Background(), eff, opts)
	require.Equal(t, "run_2026-03-01_12-00-00", filepath.Base(a.RunDir))
	require.Equal(t, "run_2026-03-01_12-00-00_2", filepath.Base(b.RunDir))
}

func TestConsolidate_ExistingRunDir(t *testing.T) {
	srv := fakeIMDb(t)
	eff := testConfig(t, srv.URL+"/pt/chart/top/")
	rr := Execute(context.Background(), eff, Options{})
	require.Empty(t, rr.ErrorCode)

	res, err := Consolidate(context.Background(), rr.RunDir, "top.md", nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows)
	require.Equal(t, filepath.Join(rr.RunDir, "processed", "top.md"), res.Path)

	_, err = Consolidate(context.Background(), filepath.Join(rr.RunDir, "nope"), "top.md", nil)
	require.Error(t, err)
}
