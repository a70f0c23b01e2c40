package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/imdbx/internal/app/run"
	"github.com/John-Robertt/imdbx/internal/config"
	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/infra/logx"
	"github.com/John-Robertt/imdbx/internal/site"
)

// exitError 携带进程退出码；cobra 的用法错误统一按 2 处理。
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

// cli 汇总命令运行所需的外部环境，测试时可替换。
type cli struct {
	stdout io.Writer
	stderr io.Writer
	// stdoutTTY/stderrTTY 决定输出形态（JSON 或人类可读摘要、是否显示进度）。
	stdoutTTY bool
	stderrTTY bool

	getwd   func() (string, error)
	runOpts run.Options
}

func main() {
	c := &cli{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		stdoutTTY: isTTY(os.Stdout),
		stderrTTY: isTTY(os.Stderr),
		getwd:     os.Getwd,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := c.execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func (c *cli) execute(ctx context.Context, args []string) int {
	root := c.newRootCmd()
	root.SetArgs(args)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(c.stderr, "参数错误：%v\n", err)
	return 2
}

func (c *cli) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "imdbx",
		Short:         "抓取 IMDb 榜单详情页并导出为表格",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(c.newRunCmd(), c.newConsolidateCmd(), c.newProfilesCmd())
	return root
}

func (c *cli) newRunCmd() *cobra.Command {
	var a config.CLIArgs

	cmd := &cobra.Command{
		Use:   "run",
		Short: "运行一次完整的抓取（发现 → 抽取 → checkpoint → 合并导出）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			a.BaseDirSet = f.Changed("base-dir")
			a.ChartURLSet = f.Changed("chart-url")
			a.ProfileSet = f.Changed("profile")
			a.OutputSet = f.Changed("output")
			a.LimitSet = f.Changed("limit")
			a.LogLevelSet = f.Changed("log-level")
			a.DebugDumpSet = f.Changed("debug-dump")
			return c.runCmd(cmd.Context(), a)
		},
	}

	f := cmd.Flags()
	f.StringVar(&a.ConfigPath, "config", "", "配置文件路径（默认读取 ./"+config.FileName+"，可选）")
	f.StringVar(&a.BaseDir, "base-dir", config.DefaultBaseDir, "运行目录的父目录")
	f.StringVar(&a.ChartURL, "chart-url", "", "榜单页 URL（默认取 profile 的榜单）")
	f.StringVar(&a.Profile, "profile", site.DefaultProfile, "站点结构："+strings.Join(site.Builtin().Names(), "|"))
	f.StringVar(&a.Output, "output", config.DefaultOutput, "导出文件名，格式由扩展名决定")
	f.IntVar(&a.Limit, "limit", 0, "只处理前 N 条（0 表示全部）")
	f.StringVar(&a.LogLevel, "log-level", "info", "日志级别：debug|info|warn|error")
	f.BoolVar(&a.DebugDump, "debug-dump", true, "超时时保存页面源码到 debug/")
	return cmd
}

func (c *cli) runCmd(ctx context.Context, a config.CLIArgs) error {
	cwd, err := c.getwd()
	if err != nil {
		fmt.Fprintf(c.stderr, "读取当前目录失败：%v\n", err)
		return exitError{1}
	}

	eff, err := config.LoadEffective(cwd, a)
	if err != nil {
		c.emitReport(reportForConfigError(err))
		return exitError{1}
	}

	opts := c.runOpts
	var obs run.Observer
	progressW, interactive := c.pickProgressWriter()
	if interactive {
		obs = newProgressUI(progressW)
	} else if opts.Console == nil {
		// 非交互：日志副本走 stderr，stdout 只留给 RunReport JSON。
		opts.Console = c.stderr
	}

	rr := run.ExecuteWithObserver(ctx, eff, opts, obs)

	c.emitReport(rr)
	if interactive {
		emitLocations(progressW, rr)
	}
	if rr.ErrorCode == "" && rr.Summary.Failed == 0 {
		return nil
	}
	return exitError{1}
}

func (c *cli) newConsolidateCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "consolidate <run-dir>",
		Short: "对已有的 run 目录重新合并 checkpoint（不访问网络）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closer, err := logx.New(logx.Options{Console: c.stderr, Prefix: "consolidate"})
			if err != nil {
				return err
			}
			defer closer.Close()

			res, err := run.Consolidate(cmd.Context(), args[0], output, logger)
			if err != nil {
				fmt.Fprintf(c.stderr, "合并失败：%v\n", err)
				return exitError{1}
			}
			if res.Path == "" {
				fmt.Fprintln(c.stdout, "没有可合并的 checkpoint")
				return nil
			}
			fmt.Fprintf(c.stdout, "rows=%d skipped=%d\n%s\n", res.Rows, len(res.Skipped), res.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", config.DefaultOutput, "导出文件名，格式由扩展名决定")
	return cmd
}

func (c *cli) newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "列出内置的站点结构",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := site.Builtin()
			t := table.NewWriter()
			t.SetOutputMirror(c.stdout)
			t.AppendHeader(table.Row{"Profile", "Chart URL", "Title selector"})
			for _, name := range reg.Names() {
				p, _ := reg.Get(name)
				t.AppendRow(table.Row{p.Name, p.ChartURL, p.Title})
			}
			t.SetStyle(table.StyleRounded)
			t.Render()
			return nil
		},
	}
}

func (c *cli) emitReport(rr domain.RunReport) {
	if c.stdoutTTY {
		renderSummary(c.stdout, rr)
		for _, it := range rr.Items {
			if it.Status != domain.StatusFailed && it.ErrorCode == "" {
				continue
			}
			fmt.Fprintf(c.stderr, "#%d %s %s: %s\n", it.Seq, truncate(it.URL, 80), it.ErrorCode, it.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(c.stdout)
	_ = enc.Encode(rr)
	fmt.Fprintf(c.stderr, "完成：links=%d succeeded=%d failed=%d rows=%d\n",
		rr.LinksFound, rr.Summary.Succeeded, rr.Summary.Failed, rr.Summary.Rows,
	)
}

// renderSummary 输出运行摘要表。
func renderSummary(w io.Writer, rr domain.RunReport) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("运行摘要")
	t.AppendRows([]table.Row{
		{"耗时", formatElapsed(rr.Elapsed())},
		{"发现链接", rr.LinksFound},
		{"成功", rr.Summary.Succeeded},
		{"失败", rr.Summary.Failed},
		{"未保存", rr.Summary.Unsaved},
		{"导出行数", rr.Summary.Rows},
	})
	if rr.ErrorCode != "" {
		t.AppendRow(table.Row{"错误", rr.ErrorCode + ": " + truncate(rr.ErrorMsg, 100)})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func reportForConfigError(err error) domain.RunReport {
	now := time.Now().UTC()
	code := config.Code(err)
	if code == "" {
		code = domain.ErrCodeConfigInvalid
	}
	rr := domain.RunReport{
		StartedAt:  now,
		FinishedAt: now,
		ErrorCode:  code,
		ErrorMsg:   err.Error(),
	}
	rr.Finalize()
	return rr
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (c *cli) pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if c.stderrTTY {
		return c.stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if c.stdoutTTY {
		return c.stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, rr domain.RunReport) {
	if w == nil || rr.RunDir == "" {
		return
	}
	fmt.Fprintf(w, "run: %s\n", rr.RunDir)
	fmt.Fprintf(w, "report: %s\n", filepath.Join(rr.RunDir, "report.json"))
	if rr.Export != "" {
		fmt.Fprintf(w, "export: %s\n", filepath.Join(rr.RunDir, filepath.FromSlash(rr.Export)))
	}
}
