package botdetect

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"leadhunter/internal/pkg/metrics"
)

// 检测方法标签
const (
	MethodHTMLContent      = "html_content"
	MethodSelector         = "selector"
	MethodHTTP429          = "http_429"
	MethodFailedLookupRate = "failed_lookup_rate"
)

// 页面关键词检测列表。
// 注意：顺序即优先级，报告的是列表中第一个命中的关键词，而非页面中最先出现的。
var captchaKeywords = []string{
	"recaptcha",
	"captcha",
	"g-recaptcha",
	"grecaptcha",
	"hcaptcha",
	"h-captcha",
	"challenge",
	"verify you are human",
	"verify you're human",
	"unusual traffic",
	"automated requests",
}

// CAPTCHA 组件的 DOM 选择器列表，按顺序检查。
var captchaSelectors = []string{
	`iframe[src*="recaptcha"]`,
	`div[class*="captcha"]`,
	`div[id*="captcha"]`,
	`.g-recaptcha`,
	`#g-recaptcha`,
}

const statusCheckTimeout = 5 * time.Second

// PageInspector 提供分类器所需的页面检查能力。
//
// 实际实现由 rod 页面会话提供（见 internal/scraper），测试中用桩实现。
type PageInspector interface {
	// CurrentURL 返回页面当前 URL。
	CurrentURL() (string, error)
	// FullText 返回页面全文文本。
	FullText() (string, error)
	// ElementExists 检查指定选择器的元素是否存在。
	ElementExists(selector string) (bool, error)
	// FetchStatus 对 URL 重新发起一次轻量请求并返回 HTTP 状态码。
	FetchStatus(ctx context.Context, url string, timeout time.Duration) (int, error)
}

// Result 单次检测的结论。产生后立即被消费，不做持久化。
type Result struct {
	Detected bool
	Method   string
	Action   Action
	Details  map[string]any
}

// Config 分类器配置。三类页面检测可独立开关，默认全部开启。
type Config struct {
	EnableHTMLCheck      bool
	EnableSelectorCheck  bool
	EnableStatusCheck    bool
	FailureRateThreshold float64
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		EnableHTMLCheck:      true,
		EnableSelectorCheck:  true,
		EnableStatusCheck:    true,
		FailureRateThreshold: 0.5,
	}
}

// Detector 无状态的封锁信号分类器，可在多个控制器之间共享复用。
type Detector struct {
	cfg    Config
	logger *slog.Logger
}

// NewDetector 创建分类器。阈值超出 [0,1] 时回退到 0.5。
func NewDetector(cfg Config, logger *slog.Logger) *Detector {
	if cfg.FailureRateThreshold < 0 || cfg.FailureRateThreshold > 1 {
		cfg.FailureRateThreshold = 0.5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, logger: logger}
}

// Detect 按固定优先级对页面做检测：关键词 → 选择器 → HTTP 状态码。
// 第一个命中的检查即为结论，后续检查不再执行。
//
// 任何一步出错都按"未检测到"处理（fail-open）：分类器不可用绝不能阻塞抓取。
func (d *Detector) Detect(ctx context.Context, inspector PageInspector) Result {
	if inspector == nil {
		return Result{}
	}

	// 1. 关键词扫描
	if d.cfg.EnableHTMLCheck {
		if res, ok := d.detectByKeywords(inspector); ok {
			return res
		}
	}

	// 2. 选择器扫描
	if d.cfg.EnableSelectorCheck {
		if res, ok := d.detectBySelectors(inspector); ok {
			return res
		}
	}

	// 3. HTTP 状态码检查（429 = 速率限制）
	if d.cfg.EnableStatusCheck {
		if res, ok := d.detectByStatus(ctx, inspector); ok {
			return res
		}
	}

	return Result{}
}

func (d *Detector) detectByKeywords(inspector PageInspector) (Result, bool) {
	text, err := inspector.FullText()
	if err != nil {
		d.logger.Debug("page text check failed, treating as no signal",
			slog.String("error", err.Error()))
		return Result{}, false
	}
	lower := strings.ToLower(text)
	for _, kw := range captchaKeywords {
		if strings.Contains(lower, kw) {
			d.logger.Warn("captcha keyword detected",
				slog.String("keyword", kw))
			metrics.BotSignalsTotal.WithLabelValues(MethodHTMLContent).Inc()
			return Result{
				Detected: true,
				Method:   MethodHTMLContent,
				Action:   ActionPauseAndAlert,
				Details:  map[string]any{"keyword": kw},
			}, true
		}
	}
	return Result{}, false
}

func (d *Detector) detectBySelectors(inspector PageInspector) (Result, bool) {
	for _, sel := range captchaSelectors {
		exists, err := inspector.ElementExists(sel)
		if err != nil {
			// 单个选择器检查失败不影响其余选择器
			continue
		}
		if exists {
			d.logger.Warn("captcha element detected",
				slog.String("selector", sel))
			metrics.BotSignalsTotal.WithLabelValues(MethodSelector).Inc()
			return Result{
				Detected: true,
				Method:   MethodSelector,
				Action:   ActionPauseAndAlert,
				Details:  map[string]any{"selector": sel},
			}, true
		}
	}
	return Result{}, false
}

func (d *Detector) detectByStatus(ctx context.Context, inspector PageInspector) (Result, bool) {
	url, err := inspector.CurrentURL()
	if err != nil || url == "" {
		return Result{}, false
	}
	status, err := inspector.FetchStatus(ctx, url, statusCheckTimeout)
	if err != nil {
		// 请求错误或超时按"未检测到"处理，不是错误
		d.logger.Debug("status re-check failed, treating as no signal",
			slog.String("url", url),
			slog.String("error", err.Error()))
		return Result{}, false
	}
	if status == 429 {
		d.logger.Warn("rate limit status detected",
			slog.String("url", url),
			slog.Int("status", status))
		metrics.BotSignalsTotal.WithLabelValues(MethodHTTP429).Inc()
		return Result{
			Detected: true,
			Method:   MethodHTTP429,
			Action:   ActionIncreaseDelay,
			Details:  map[string]any{"url": url, "status": status},
		}, true
	}
	return Result{}, false
}

// DetectFailureRate 根据最近的成功/总数判断失败率是否异常。
//
// 失败率严格大于阈值才触发（恰好等于阈值不触发）。totalCount 为 0 时不触发。
func (d *Detector) DetectFailureRate(successCount, totalCount int) Result {
	if totalCount == 0 {
		return Result{}
	}
	failureRate := 1 - float64(successCount)/float64(totalCount)
	if failureRate <= d.cfg.FailureRateThreshold {
		return Result{}
	}

	d.logger.Warn("failed lookup rate exceeds threshold",
		slog.Int("success", successCount),
		slog.Int("total", totalCount),
		slog.Float64("failure_rate", failureRate),
		slog.Float64("threshold", d.cfg.FailureRateThreshold))
	metrics.BotSignalsTotal.WithLabelValues(MethodFailedLookupRate).Inc()
	return Result{
		Detected: true,
		Method:   MethodFailedLookupRate,
		Action:   ActionReduceBatchSize,
		Details: map[string]any{
			"success_count": successCount,
			"total_count":   totalCount,
			"failure_rate":  failureRate,
			"threshold":     d.cfg.FailureRateThreshold,
		},
	}
}

// HandleCaptcha 返回检测结果推荐的动作；未检测到时返回安全默认值 PAUSE_AND_ALERT。
func (d *Detector) HandleCaptcha(res Result) Action {
	if res.Detected && res.Action != "" {
		return res.Action
	}
	return ActionPauseAndAlert
}
