package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"github.com/titanous/json5"

	"github.com/John-Robertt/imdbx/internal/export"
	"github.com/John-Robertt/imdbx/internal/fetch"
	"github.com/John-Robertt/imdbx/internal/infra/logx"
	"github.com/John-Robertt/imdbx/internal/infra/telemetry"
	"github.com/John-Robertt/imdbx/internal/site"
)

const (
	// ErrCodeNotFound 表示 --config 显式指定的配置文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

// FileName 是 cwd 下默认查找的配置文件；同目录的 imdbx.local.json5 会覆盖其中的字段。
const FileName = "imdbx.json5"

const (
	DefaultBaseDir        = "executions"
	DefaultOutput         = "top_filmes_imdb.xlsx"
	DefaultCatalogTimeout = 30 * time.Second
	DefaultDetailTimeout  = 30 * time.Second
	DefaultPollInterval   = 1500 * time.Millisecond
	DefaultPacingMin      = 1 * time.Second
	DefaultPacingMax      = 3 * time.Second
	DefaultRequestTimeout = 20 * time.Second
	DefaultRetryMax       = 2
)

// 环境变量（含 .env）覆盖配置文件中的同名字段。
const (
	EnvProxyURL     = "IMDBX_PROXY_URL"
	EnvLogLevel     = "IMDBX_LOG_LEVEL"
	EnvOTLPEndpoint = "IMDBX_OTLP_ENDPOINT"
)

// CLIArgs 保留“是否显式指定”的信息，保证 --debug-dump=false 这类取值也能覆盖配置文件。
type CLIArgs struct {
	// ConfigPath 非空时必须存在。
	ConfigPath string

	BaseDir    string
	BaseDirSet bool

	ChartURL    string
	ChartURLSet bool

	Profile    string
	ProfileSet bool

	Output    string
	OutputSet bool

	Limit    int
	LimitSet bool

	LogLevel    string
	LogLevelSet bool

	DebugDump    bool
	DebugDumpSet bool
}

// FileConfig 对应 imdbx.json5。零值字段表示“未设置”。
type FileConfig struct {
	BaseDir           string           `json:"base_dir"`
	ChartURL          string           `json:"chart_url"`
	Profile           string           `json:"profile"`
	Output            string           `json:"output"`
	Limit             *int             `json:"limit"`
	CatalogTimeoutSec *float64         `json:"catalog_timeout_sec"`
	DetailTimeoutSec  *float64         `json:"detail_timeout_sec"`
	PollIntervalMS    *int             `json:"poll_interval_ms"`
	Pacing            PacingConfig     `json:"pacing"`
	RequestTimeoutSec *float64         `json:"request_timeout_sec"`
	RetryMax          *int             `json:"retry_max"`
	AcceptLanguage    string           `json:"accept_language"`
	Proxy             ProxyConfig      `json:"proxy"`
	LogLevel          string           `json:"log_level"`
	DebugDump         *bool            `json:"debug_dump"`
	Telemetry         telemetry.Config `json:"telemetry"`
}

type PacingConfig struct {
	MinSec *float64 `json:"min_sec"`
	MaxSec *float64 `json:"max_sec"`
}

type ProxyConfig struct {
	URL string `json:"url"`
}

// EffectiveConfig 是合并并校验后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// ConfigPath 是实际读取的主配置文件；没有配置文件时为空。
	ConfigPath string

	BaseDir  string
	ChartURL string
	Profile  string
	Output   string
	Limit    int

	CatalogTimeout time.Duration
	DetailTimeout  time.Duration
	PollInterval   time.Duration
	PacingMin      time.Duration
	PacingMax      time.Duration

	RequestTimeout time.Duration
	RetryMax       int
	AcceptLanguage string
	ProxyURL       string

	LogLevel  string
	DebugDump bool

	Telemetry telemetry.Config
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 读取配置并与环境变量、CLI 参数合并为最终配置。
//
// 发现规则：
// 1) CLI 提供 --config：必须存在（<name>.local.json5 可选）
// 2) 否则尝试 <cwd>/imdbx.json5（可选，缺失时全部使用默认值）
// 3) <cwd>/.env 存在时载入环境变量（不覆盖已存在的变量）
//
// 覆盖优先级：CLI 显式参数 > 环境变量 > local 文件 > 主配置文件 > 默认值
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	if err := loadDotEnv(filepath.Join(cwdAbs, ".env")); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: filepath.Join(cwdAbs, ".env"), Err: err}
	}

	cfgPath := filepath.Join(cwdAbs, FileName)
	required := false
	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		required = true
	}

	fc, found, err := ReadFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !found {
		if required {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
		cfgPath = ""
	}

	applyEnv(&fc)

	eff, err := merge(cwdAbs, cli, fc)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: displayPath(cfgPath), Err: err}
	}
	eff.ConfigPath = cfgPath
	return eff, nil
}

// ReadFileConfig 读取 path 与同目录的 <name>.local.<ext> 并合并（local 覆盖主文件）。
// 两者都不存在时 found=false。
func ReadFileConfig(path string) (fc FileConfig, found bool, err error) {
	base, err := readJSON5(path)
	if err != nil {
		return FileConfig{}, false, err
	}
	local, err := readJSON5(localPath(path))
	if err != nil {
		return FileConfig{}, false, err
	}
	if base == nil && local == nil {
		return FileConfig{}, false, nil
	}
	if base != nil {
		fc = *base
	}
	if local != nil {
		// WithoutDereference：local 中显式写出的 false / 0 也要覆盖主文件。
		if err := mergo.Merge(&fc, *local, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return FileConfig{}, true, err
		}
	}
	return fc, true, nil
}

func readJSON5(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var fc FileConfig
	if len(strings.TrimSpace(string(b))) == 0 {
		return &fc, nil
	}
	if err := json5.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("%s：%w", filepath.Base(path), err)
	}
	return &fc, nil
}

// localPath: imdbx.json5 -> imdbx.local.json5
func localPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func applyEnv(fc *FileConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvProxyURL)); v != "" {
		fc.Proxy.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		fc.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOTLPEndpoint)); v != "" {
		fc.Telemetry.OTLPHTTPEndpoint = v
	}
}

func merge(cwd string, cli CLIArgs, fc FileConfig) (EffectiveConfig, error) {
	eff := EffectiveConfig{
		BaseDir:        pick(cli.BaseDirSet, cli.BaseDir, fc.BaseDir, DefaultBaseDir),
		ChartURL:       pick(cli.ChartURLSet, cli.ChartURL, fc.ChartURL, ""),
		Profile:        strings.ToLower(pick(cli.ProfileSet, cli.Profile, fc.Profile, site.DefaultProfile)),
		Output:         pick(cli.OutputSet, cli.Output, fc.Output, DefaultOutput),
		LogLevel:       pick(cli.LogLevelSet, cli.LogLevel, fc.LogLevel, "info"),
		AcceptLanguage: pick(false, "", fc.AcceptLanguage, fetch.DefaultAcceptLanguage),
		ProxyURL:       strings.TrimSpace(fc.Proxy.URL),
		RetryMax:       DefaultRetryMax,
		DebugDump:      true,
		Telemetry:      fc.Telemetry,
	}

	eff.BaseDir = absCleanFrom(cwd, eff.BaseDir)

	switch {
	case cli.LimitSet:
		eff.Limit = cli.Limit
	case fc.Limit != nil:
		eff.Limit = *fc.Limit
	}
	if eff.Limit < 0 {
		return EffectiveConfig{}, fmt.Errorf("limit 不能为负数：%d", eff.Limit)
	}

	switch {
	case cli.DebugDumpSet:
		eff.DebugDump = cli.DebugDump
	case fc.DebugDump != nil:
		eff.DebugDump = *fc.DebugDump
	}

	if fc.RetryMax != nil {
		if *fc.RetryMax < 0 {
			return EffectiveConfig{}, fmt.Errorf("retry_max 不能为负数：%d", *fc.RetryMax)
		}
		eff.RetryMax = *fc.RetryMax
	}

	var err error
	if eff.CatalogTimeout, err = seconds("catalog_timeout_sec", fc.CatalogTimeoutSec, DefaultCatalogTimeout, false); err != nil {
		return EffectiveConfig{}, err
	}
	if eff.DetailTimeout, err = seconds("detail_timeout_sec", fc.DetailTimeoutSec, DefaultDetailTimeout, false); err != nil {
		return EffectiveConfig{}, err
	}
	if eff.RequestTimeout, err = seconds("request_timeout_sec", fc.RequestTimeoutSec, DefaultRequestTimeout, false); err != nil {
		return EffectiveConfig{}, err
	}
	if eff.PacingMin, err = seconds("pacing.min_sec", fc.Pacing.MinSec, DefaultPacingMin, true); err != nil {
		return EffectiveConfig{}, err
	}
	if eff.PacingMax, err = seconds("pacing.max_sec", fc.Pacing.MaxSec, DefaultPacingMax, true); err != nil {
		return EffectiveConfig{}, err
	}
	if eff.PacingMin > eff.PacingMax {
		return EffectiveConfig{}, fmt.Errorf("pacing.min_sec (%s) 不能大于 pacing.max_sec (%s)", eff.PacingMin, eff.PacingMax)
	}

	eff.PollInterval = DefaultPollInterval
	if fc.PollIntervalMS != nil {
		if *fc.PollIntervalMS <= 0 {
			return EffectiveConfig{}, fmt.Errorf("poll_interval_ms 必须为正数：%d", *fc.PollIntervalMS)
		}
		eff.PollInterval = time.Duration(*fc.PollIntervalMS) * time.Millisecond
	}

	reg := site.Builtin()
	p, ok := reg.Get(eff.Profile)
	if !ok {
		return EffectiveConfig{}, fmt.Errorf("profile 只能是 %s，实际是 %q", strings.Join(reg.Names(), " / "), eff.Profile)
	}
	if eff.ChartURL == "" {
		eff.ChartURL = p.ChartURL
	}
	if err := validateHTTPURL("chart_url", eff.ChartURL); err != nil {
		return EffectiveConfig{}, err
	}

	if eff.ProxyURL != "" {
		u, err := url.Parse(eff.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return EffectiveConfig{}, fmt.Errorf("proxy.url 无效：%q", eff.ProxyURL)
		}
	}

	if strings.ContainsAny(eff.Output, `/\`) {
		return EffectiveConfig{}, fmt.Errorf("output 只能是文件名，不能包含目录：%q", eff.Output)
	}
	if _, err := export.ForName(eff.Output); err != nil {
		return EffectiveConfig{}, err
	}

	if _, err := logx.ParseLevel(eff.LogLevel); err != nil {
		return EffectiveConfig{}, fmt.Errorf("log_level 无效：%q", eff.LogLevel)
	}

	if ep := strings.TrimSpace(eff.Telemetry.OTLPHTTPEndpoint); ep != "" {
		if err := validateHTTPURL("telemetry.otlp_http_endpoint", ep); err != nil {
			return EffectiveConfig{}, err
		}
	}

	return eff, nil
}

// pick：CLI 显式值 > 配置值 > 默认值。
func pick(cliSet bool, cliVal, fileVal, def string) string {
	if cliSet {
		return strings.TrimSpace(cliVal)
	}
	if v := strings.TrimSpace(fileVal); v != "" {
		return v
	}
	return def
}

func seconds(key string, v *float64, def time.Duration, allowZero bool) (time.Duration, error) {
	if v == nil {
		return def, nil
	}
	if *v < 0 || (!allowZero && *v == 0) {
		return 0, fmt.Errorf("%s 取值无效：%s", key, strconv.FormatFloat(*v, 'f', -1, 64))
	}
	return time.Duration(*v * float64(time.Second)), nil
}

func validateHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s 无效：%q", key, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s 必须是 http/https：%q", key, raw)
	}
	return nil
}

func displayPath(p string) string {
	if p == "" {
		return "<默认>"
	}
	return p
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
