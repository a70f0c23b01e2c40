package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/imdbx/internal/domain"
)

// safeBuffer 供 keepalive goroutine 与测试并发读写。
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const detailPage = `<html><body>
<h1 data-testid="hero__pageTitle"><span>%s</span></h1>
<ul><li>%s</li><li>16</li><li>%s</li></ul>
<div data-testid="hero-rating-bar__aggregate-rating__score"><span>%s</span><span>/10</span></div>
<p data-testid="plot">%s</p>
</body></html>`

func fakeSite(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/pt/chart/top/": `<html><body><ul>
<li class="ipc-metadata-list-summary-item"><div class="ipc-title"><a href="/pt/title/tt1/">1. Um</a></div></li>
<li class="ipc-metadata-list-summary-item"><div class="ipc-title"><a href="/pt/title/tt3/">2. Três</a></div></li>
</ul></body></html>`,
		"/pt/title/tt1/": fmt.Sprintf(detailPage, "Um Sonho de Liberdade", "1994", "2h 22min", "9,3", "Dois homens presos."),
		"/pt/title/tt3/": fmt.Sprintf(detailPage, "O Poderoso Chefão", "1972", "2h 55min", "9,2", "O patriarca."),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := pages[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(b))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestCLI 构造一个非 TTY 的 cli，cwd 指向临时目录。
func newTestCLI(t *testing.T, cwd string) (*cli, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	t.Setenv("IMDBX_PROXY_URL", "")
	t.Setenv("IMDBX_LOG_LEVEL", "")
	t.Setenv("IMDBX_OTLP_ENDPOINT", "")

	var stdout, stderr bytes.Buffer
	return &cli{
		stdout: &stdout,
		stderr: &stderr,
		getwd:  func() (string, error) { return cwd, nil },
	}, &stdout, &stderr
}

func writeConfig(t *testing.T, dir string) {
	t.Helper()
	cfg := `{
  // 测试用：快速超时、不做节奏等待
  catalog_timeout_sec: 1,
  detail_timeout_sec: 0.5,
  poll_interval_ms: 10,
  pacing: { min_sec: 0, max_sec: 0 },
  retry_max: 0,
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "imdbx.json5"), []byte(cfg), 0o644))
}

func TestCLI_NoTTY_StdoutOnlyRunReportJSON(t *testing.T) {
	srv := fakeSite(t)
	cwd := t.TempDir()
	writeConfig(t, cwd)
	c, stdout, stderr := newTestCLI(t, cwd)

	code := c.execute(context.Background(), []string{
		"run",
		"--base-dir", filepath.Join(cwd, "runs"),
		"--chart-url", srv.URL + "/pt/chart/top/",
		"--output", "top.csv",
	})
	require.Equal(t, 0, code, "stderr=%s", stderr.String())

	// stdout 必须是单个 JSON。
	var rr domain.RunReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rr), "stdout=%q", stdout.String())
	require.Equal(t, 2, rr.LinksFound)
	require.Equal(t, 2, rr.Summary.Succeeded)
	require.Equal(t, 2, rr.Summary.Rows)
	require.Equal(t, "processed/top.csv", rr.Export)
	require.FileExists(t, filepath.Join(rr.RunDir, "processed", "top.csv"))

	require.NotContains(t, stdout.String(), "配置（生效）")
	require.NotContains(t, stdout.String(), "进度:")
	require.Contains(t, stderr.String(), "完成：links=2 succeeded=2 failed=0 rows=2")
}

func TestCLI_ConfigErrorExitsOneWithReport(t *testing.T) {
	cwd := t.TempDir()
	c, stdout, _ := newTestCLI(t, cwd)

	code := c.execute(context.Background(), []string{"run", "--config", filepath.Join(cwd, "missing.json5")})
	require.Equal(t, 1, code)

	var rr domain.RunReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rr))
	require.Equal(t, domain.ErrCodeConfigNotFound, rr.ErrorCode)
	require.NotNil(t, rr.Items)
}

func TestCLI_InvalidOutputIsConfigInvalid(t *testing.T) {
	cwd := t.TempDir()
	c, stdout, _ := newTestCLI(t, cwd)

	code := c.execute(context.Background(), []string{"run", "--output", "top.pdf"})
	require.Equal(t, 1, code)

	var rr domain.RunReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rr))
	require.Equal(t, domain.ErrCodeConfigInvalid, rr.ErrorCode)
}

func TestCLI_UsageErrorExitsTwo(t *testing.T) {
	c, _, stderr := newTestCLI(t, t.TempDir())

	require.Equal(t, 2, c.execute(context.Background(), []string{"run", "--no-such-flag"}))
	require.Contains(t, stderr.String(), "参数错误")

	require.Equal(t, 2, c.execute(context.Background(), []string{"consolidate"}))
}

func TestCLI_Profiles(t *testing.T) {
	c, stdout, _ := newTestCLI(t, t.TempDir())

	require.Equal(t, 0, c.execute(context.Background(), []string{"profiles"}))
	out := stdout.String()
	require.Contains(t, out, "imdb")
	require.Contains(t, out, "imdb-legacy")
	require.Contains(t, out, "Chart URL")
}

func TestCLI_ConsolidateExistingRun(t *testing.T) {
	srv := fakeSite(t)
	cwd := t.TempDir()
	writeConfig(t, cwd)
	c, stdout, _ := newTestCLI(t, cwd)

	require.Equal(t, 0, c.execute(context.Background(), []string{
		"run",
		"--base-dir", filepath.Join(cwd, "runs"),
		"--chart-url", srv.URL + "/pt/chart/top/",
		"--output", "top.csv",
	}))
	var rr domain.RunReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rr))

	c2, stdout2, stderr2 := newTestCLI(t, cwd)
	code := c2.execute(context.Background(), []string{"consolidate", rr.RunDir, "--output", "again.md"})
	require.Equal(t, 0, code, "stderr=%s", stderr2.String())
	require.True(t, strings.HasPrefix(stdout2.String(), "rows=2 skipped=0\n"), stdout2.String())

	b, err := os.ReadFile(filepath.Join(rr.RunDir, "processed", "again.md"))
	require.NoError(t, err)
	require.Contains(t, string(b), "Um Sonho de Liberdade")
}

func TestEmitReport_TTYRendersSummary(t *testing.T) {
	var stdout, stderr bytes.Buffer
	c := &cli{stdout: &stdout, stderr: &stderr, stdoutTTY: true}

	rr := domain.RunReport{
		LinksFound: 2,
		Items: []domain.ItemResult{
			{Seq: 1, Status: domain.StatusOK, Title: "Um", Checkpoint: "raw/movie_1.json"},
			{Seq: 2, URL: "https://x/tt2/", Status: domain.StatusFailed, ErrorCode: domain.ErrCodeDetailGateTimeout, ErrorMsg: "超时"},
		},
	}
	rr.Finalize()
	c.emitReport(rr)

	require.Contains(t, stdout.String(), "运行摘要")
	require.Contains(t, stderr.String(), "#2 https://x/tt2/ detail_gate_timeout: 超时")
	require.NotContains(t, stderr.String(), "#1")
}
