package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"leadhunter/internal/batch"
	"leadhunter/internal/botdetect"
	"leadhunter/internal/config"
	"leadhunter/internal/model"
	"leadhunter/internal/pkg/dedup"
	"leadhunter/internal/pkg/metrics"
	"leadhunter/internal/pkg/notify"
	"leadhunter/internal/pkg/ratelimit"
	"leadhunter/internal/retryqueue"

	"github.com/go-resty/resty/v2"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	rateLimitKey = "leadhunter:ratelimit:lookup"

	// 超时常量
	browserInitTimeout   = 30 * time.Second // 浏览器初始化超时
	pageCreateTimeout    = 10 * time.Second // 页面创建超时
	stealthScriptTimeout = 5 * time.Second  // Stealth 脚本应用超时
	navigateTimeout      = 45 * time.Second // 页面导航超时
	lookupPageTimeout    = 30 * time.Second // 单次查询页面总超时
)

// ErrSessionStopped 会话被封锁信号或运维操作终止。
var ErrSessionStopped = errors.New("scraping session stopped")

// Service 负责浏览器调度、campaign 编排与号码查询。
//
// 它维护一个 rod.Browser 实例。同一时刻只跑一个 campaign，
// 批内串行由批次控制器保证，因此不需要页面级并发控制。
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	rdb      *redis.Client
	limiter  *ratelimit.RateLimiter
	dedup    *dedup.Deduplicator
	detector *botdetect.Detector
	notifier notify.Notifier
	http     *resty.Client

	mu      sync.RWMutex
	browser *rod.Browser

	paused  atomic.Bool
	stopped atomic.Bool

	restarts atomic.Int64
}

// NewService 启动浏览器实例并创建服务。
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *gorm.DB, rdb *redis.Client, notifier notify.Notifier) (*Service, error) {
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	browser, err := startBrowser(initCtx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rdb:      rdb,
		limiter:  ratelimit.NewRedisRateLimiter(rdb, logger, rateLimitKey, cfg.App.RateLimit, cfg.App.RateBurst),
		dedup:    dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second),
		detector: botdetect.NewDetector(botdetect.DefaultConfig(), logger),
		notifier: notifier,
		http:     resty.New(),
		browser:  browser,
	}, nil
}

// startBrowser 根据配置启动浏览器。
//
// 针对容器环境做了适配（NoSandbox、禁用 /dev/shm 与 GPU）。
func startBrowser(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rod.Browser, error) {
	bin := cfg.Browser.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Browser.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("remote-allow-origins", "*").
		Set("disk-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	var proxyUser, proxyPass string
	if cfg.Browser.ProxyURL != "" {
		parsed, err := url.Parse(cfg.Browser.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy url: %s", cfg.Browser.ProxyURL)
		}
		l = l.Proxy(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		if parsed.User != nil {
			proxyUser = parsed.User.Username()
			if pass, ok := parsed.User.Password(); ok {
				proxyPass = pass
			}
		}
		logger.Info("using http proxy", slog.String("server", parsed.Host))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
	}

	logger.Info("browser started", slog.Bool("headless", cfg.Browser.Headless))
	return browser, nil
}

// restartBrowser 重启浏览器实例。CAPTCHA 后换一个全新指纹再继续。
func (s *Service) restartBrowser(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	newBrowser, err := startBrowser(initCtx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("restart browser: %w", err)
	}

	s.mu.Lock()
	old := s.browser
	s.browser = newBrowser
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.restarts.Add(1)
	metrics.BrowserRestartsTotal.Inc()
	s.logger.Info("browser restarted")
	return nil
}

// newPage 创建带 stealth 脚本与资源屏蔽的页面。调用方负责 Close。
func (s *Service) newPage(ctx context.Context) (*rod.Page, error) {
	s.mu.RLock()
	browser := s.browser
	s.mu.RUnlock()
	if browser == nil {
		return nil, fmt.Errorf("browser not initialized")
	}

	type pageResult struct {
		page *rod.Page
		err  error
	}
	resultCh := make(chan pageResult, 1)
	go func() {
		page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
		select {
		case resultCh <- pageResult{page: page, err: err}:
		default:
			// 主流程已超时退出，清理迟到的页面
			if page != nil {
				_ = page.Close()
			}
		}
	}()

	createTimer := time.NewTimer(pageCreateTimeout)
	defer createTimer.Stop()

	var page *rod.Page
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("create page: %w", res.err)
		}
		page = res.page
	case <-createTimer.C:
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled during page creation: %w", ctx.Err())
	}

	stealthTimer := time.NewTimer(stealthScriptTimeout)
	defer stealthTimer.Stop()
	stealthDone := make(chan error, 1)
	go func() {
		_, evalErr := page.EvalOnNewDocument(stealth.JS)
		stealthDone <- evalErr
	}()
	select {
	case err := <-stealthDone:
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("apply stealth script: %w", err)
		}
	case <-stealthTimer.C:
		_ = page.Close()
		return nil, fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
	case <-ctx.Done():
		_ = page.Close()
		return nil, fmt.Errorf("context cancelled during stealth script: %w", ctx.Err())
	}

	// 屏蔽高带宽资源与追踪脚本
	blockedURLs := []string{
		"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
		"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
		"*.mp4", "*.webm", "*.mp3", "*.aac",
		"*google-analytics*",
		"*googletagmanager*",
		"*doubleclick*",
		"*facebook*",
		"*sentry*",
	}
	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
		s.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}

	return page, nil
}

// navigate 带超时地加载 URL。
func (s *Service) navigate(ctx context.Context, page *rod.Page, target string) error {
	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- page.Navigate(target)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("navigate %s: %w", target, err)
		}
	case <-navCtx.Done():
		return fmt.Errorf("navigate timeout: %w", navCtx.Err())
	}

	if err := page.Timeout(navigateTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	return nil
}

// RunCampaign 执行一次完整的抓取会话：
// 搜索页抓商家 → 号码去重 → 分批查询供应商 → 排空重试队列 → 收尾。
func (s *Service) RunCampaign(ctx context.Context, query, region string) (*model.Campaign, error) {
	sessionID := uuid.NewString()
	campaign := &model.Campaign{
		SessionID: sessionID,
		Query:     query,
		Region:    region,
		Status:    model.CampaignRunning,
		StartedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(campaign).Error; err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	s.stopped.Store(false)
	s.logger.Info("campaign started",
		slog.String("session_id", sessionID),
		slog.String("query", query),
		slog.String("region", region))

	err := s.runCampaign(ctx, campaign)
	s.finalizeCampaign(ctx, campaign, err)
	return campaign, err
}

// ResumeCampaign 恢复一个中断的会话：重新提交所有仍处于 pending 状态的
// 商家（含上次被批前检查中止、留在批次里的条目），再排空重试队列。
func (s *Service) ResumeCampaign(ctx context.Context, sessionID string) (*model.Campaign, error) {
	var campaign model.Campaign
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&campaign).Error
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", sessionID, err)
	}

	retryQ, err := s.retryQueue(sessionID)
	if err != nil {
		return nil, err
	}

	s.stopped.Store(false)
	s.paused.Store(false)
	campaign.Status = model.CampaignRunning
	if err := s.db.WithContext(ctx).Save(&campaign).Error; err != nil {
		return nil, fmt.Errorf("mark campaign running: %w", err)
	}

	s.logger.Info("campaign resumed", slog.String("session_id", sessionID))
	runErr := s.resumePending(ctx, &campaign, retryQ, s.lookupProcessor(&campaign))
	s.finalizeCampaign(ctx, &campaign, runErr)
	return &campaign, runErr
}

func (s *Service) retryQueue(sessionID string) (*retryqueue.Queue, error) {
	return retryqueue.New(s.db, s.logger, sessionID, retryqueue.Options{
		MaxRetries: s.cfg.Retry.MaxRetries,
		BaseDelay:  s.cfg.Retry.BaseDelay,
	})
}

func (s *Service) newBatchController(retryQ *retryqueue.Queue) (*batch.Controller, error) {
	return batch.New(s.logger, s.detector, retryQ, batch.Options{
		MaxBatchSize:     s.cfg.Batch.MaxBatchSize,
		MinBatchSize:     s.cfg.Batch.MinBatchSize,
		MinDelay:         s.cfg.Batch.MinDelay,
		MaxDelay:         s.cfg.Batch.MaxDelay,
		SuccessThreshold: s.cfg.Batch.SuccessThreshold,
		DisableBotCheck:  s.cfg.Batch.DisableBotCheck,
	})
}

func (s *Service) runCampaign(ctx context.Context, campaign *model.Campaign) error {
	retryQ, err := s.retryQueue(campaign.SessionID)
	if err != nil {
		return err
	}
	ctrl, err := s.newBatchController(retryQ)
	if err != nil {
		return fmt.Errorf("init batch controller: %w", err)
	}

	// 阶段一：抓取搜索结果页
	listings, searchPage, err := s.fetchListings(ctx, campaign)
	if err != nil {
		return err
	}
	defer func() { _ = searchPage.Close() }()

	campaign.ListingsFound = len(listings)
	s.logger.Info("listings extracted",
		slog.String("session_id", campaign.SessionID),
		slog.Int("count", len(listings)))

	// 阶段二：逐批查询号码
	inspector := NewPageInspector(searchPage, s.http)
	rc := s.responseContext(campaign.SessionID, ctrl)
	if err := s.processPending(ctx, campaign, ctrl, s.lookupProcessor(campaign), inspector, rc, listings); err != nil {
		return err
	}
	campaign.BotSignalsSeen += int(ctrl.GetStats().BotSignals)
	if campaign.Status == model.CampaignPaused {
		// 暂停时保留重试队列与 pending 商家，等待恢复
		return nil
	}

	// 阶段三：排空重试队列
	return s.drainRetries(ctx, campaign, retryQ)
}

// processPending 将商家逐个做去重检查后送入批次控制器，按批查询。
//
// 暂停请求在批次边界生效：把 campaign 标记为 CampaignPaused 后返回 nil，
// 未处理的商家保持 pending 状态，留给 ResumeCampaign 重新提交。
func (s *Service) processPending(ctx context.Context, campaign *model.Campaign, ctrl *batch.Controller, processor batch.Processor, inspector botdetect.PageInspector, rc *botdetect.ResponseContext, pending []model.Business) error {
	for idx, biz := range pending {
		if s.stopped.Load() {
			return ErrSessionStopped
		}
		if s.paused.Load() {
			s.logger.Info("campaign paused, stopping batch loop",
				slog.String("session_id", campaign.SessionID))
			campaign.Status = model.CampaignPaused
			return nil
		}

		isDup, err := s.dedup.IsDuplicate(ctx, biz.Phone)
		if err != nil {
			// 去重不可用时按未见过处理
			s.logger.Warn("dedup check failed", slog.String("error", err.Error()))
		}
		if isDup {
			s.logger.Debug("phone already processed, skipped",
				slog.String("phone", biz.Phone))
			continue
		}

		if err := ctrl.Add(batch.WorkItem{
			Value:         biz.Phone,
			CorrelationID: campaign.SessionID,
		}); err != nil {
			return fmt.Errorf("add item to batch: %w", err)
		}

		if ctrl.IsFull() || idx == len(pending)-1 {
			res, err := ctrl.ProcessBatch(ctx, processor, inspector, rc)
			if err != nil {
				return fmt.Errorf("process batch: %w", err)
			}
			campaign.LookupsDone += res.Successful
			if s.stopped.Load() {
				return ErrSessionStopped
			}
			// 批前检查中止并触发暂停时立即退出，不再填充下一批
			if s.paused.Load() {
				campaign.Status = model.CampaignPaused
				return nil
			}
		}
	}
	return nil
}

// pendingBusinesses 返回 campaign 下所有尚未完成查询的商家。
func (s *Service) pendingBusinesses(ctx context.Context, campaignID uint) ([]model.Business, error) {
	var pending []model.Business
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND lookup_status = ?", campaignID, model.LookupPending).
		Order("id asc").
		Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("load pending businesses: %w", err)
	}
	return pending, nil
}

// resumePending 恢复会话的主体：pending 商家重新走批次循环，然后排空
// 重试队列。恢复阶段没有搜索页可检查，批前检查退化为纯失败率检测。
func (s *Service) resumePending(ctx context.Context, campaign *model.Campaign, retryQ *retryqueue.Queue, processor batch.Processor) error {
	pending, err := s.pendingBusinesses(ctx, campaign.ID)
	if err != nil {
		return err
	}

	if len(pending) > 0 {
		ctrl, err := s.newBatchController(retryQ)
		if err != nil {
			return fmt.Errorf("init batch controller: %w", err)
		}

		// 解除去重标记，否则中断前已标记的号码会被当成处理过而跳过
		for _, biz := range pending {
			if err := s.dedup.Delete(ctx, biz.Phone); err != nil {
				s.logger.Warn("dedup unmark failed", slog.String("error", err.Error()))
			}
		}

		rc := s.responseContext(campaign.SessionID, ctrl)
		if err := s.processPending(ctx, campaign, ctrl, processor, nil, rc, pending); err != nil {
			return err
		}
		campaign.BotSignalsSeen += int(ctrl.GetStats().BotSignals)
		if campaign.Status == model.CampaignPaused {
			return nil
		}
	}

	return s.drainRetries(ctx, campaign, retryQ)
}

// fetchListings 打开搜索页、做一次封锁检查、保存并返回商家条目。
func (s *Service) fetchListings(ctx context.Context, campaign *model.Campaign) ([]model.Business, *rod.Page, error) {
	searchURL := BuildMapSearchURL(s.cfg.Scrape.SearchBaseURL, campaign.Query, campaign.Region)
	page, err := s.newPage(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := s.navigate(ctx, page, searchURL); err != nil {
		_ = page.Close()
		return nil, nil, err
	}

	inspector := NewPageInspector(page, s.http)
	if res := s.detector.Detect(ctx, inspector); res.Detected {
		action := s.detector.HandleCaptcha(res)
		s.detector.ExecuteAction(ctx, action, s.responseContext(campaign.SessionID, nil))
		_ = page.Close()

		// 搜索页直接撞上 CAPTCHA：换浏览器指纹，本次会话终止
		if err := s.restartBrowser(ctx); err != nil {
			s.logger.Error("browser restart after captcha failed",
				slog.String("error", err.Error()))
		}
		return nil, nil, fmt.Errorf("%w: bot signal on search page (%s)", ErrSessionStopped, res.Method)
	}

	listings, err := extractListings(page, searchURL, s.cfg.Scrape.MaxListings)
	if err != nil {
		_ = page.Close()
		return nil, nil, err
	}

	for i := range listings {
		listings[i].CampaignID = campaign.ID
	}
	if len(listings) > 0 {
		if err := s.db.WithContext(ctx).Create(&listings).Error; err != nil {
			_ = page.Close()
			return nil, nil, fmt.Errorf("save listings: %w", err)
		}
		metrics.BusinessesExtractedTotal.Add(float64(len(listings)))
	}
	return listings, page, nil
}

// lookupProcessor 返回批次控制器使用的单条处理函数。
func (s *Service) lookupProcessor(campaign *model.Campaign) batch.Processor {
	return func(ctx context.Context, item batch.WorkItem) (string, error) {
		outcome, err := s.lookupPhone(ctx, item.Value)
		if err != nil {
			s.markLookupFailed(ctx, campaign.ID, item.Value)
			return "", err
		}
		s.saveLookup(ctx, campaign.ID, item.Value, outcome)
		return outcome.Provider, nil
	}
}

// lookupPhone 对单个号码执行一次供应商查询。
func (s *Service) lookupPhone(ctx context.Context, phone string) (*lookupOutcome, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	start := time.Now()
	lookupCtx, cancel := context.WithTimeout(ctx, lookupPageTimeout)
	defer cancel()

	page, err := s.newPage(lookupCtx)
	if err != nil {
		metrics.LookupsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	defer func() { _ = page.Close() }()

	target := BuildLookupURL(s.cfg.Scrape.LookupBaseURL, phone)
	if err := s.navigate(lookupCtx, page, target); err != nil {
		metrics.LookupsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	outcome, err := extractLookupResult(page)
	metrics.LookupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LookupsTotal.WithLabelValues("parse_error").Inc()
		return nil, err
	}

	metrics.LookupsTotal.WithLabelValues("success").Inc()
	s.logger.Debug("lookup completed",
		slog.String("phone", phone),
		slog.String("provider", outcome.Provider),
		slog.Duration("elapsed", time.Since(start)))
	return outcome, nil
}

func (s *Service) saveLookup(ctx context.Context, campaignID uint, phone string, outcome *lookupOutcome) {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&model.Business{}).
		Where("campaign_id = ? AND phone = ?", campaignID, phone).
		Updates(map[string]any{
			"lookup_status": model.LookupDone,
			"provider":      outcome.Provider,
			"ported":        outcome.Ported,
			"looked_up_at":  now,
		}).Error
	if err != nil {
		s.logger.Error("save lookup result failed",
			slog.String("phone", phone),
			slog.String("error", err.Error()))
	}
}

func (s *Service) markLookupFailed(ctx context.Context, campaignID uint, phone string) {
	err := s.db.WithContext(ctx).Model(&model.Business{}).
		Where("campaign_id = ? AND phone = ?", campaignID, phone).
		Update("lookup_status", model.LookupFailed).Error
	if err != nil {
		s.logger.Error("mark lookup failed errored",
			slog.String("phone", phone),
			slog.String("error", err.Error()))
	}
}

// drainRetries 反复处理到期的重试项直到排空。
// 失败号码先解除去重标记，重试时才能再次查询。
func (s *Service) drainRetries(ctx context.Context, campaign *model.Campaign, retryQ *retryqueue.Queue) error {
	op := func(opCtx context.Context, item *retryqueue.Item) error {
		var work batch.WorkItem
		if err := json.Unmarshal([]byte(item.Payload), &work); err != nil {
			return fmt.Errorf("decode retry payload: %w", err)
		}
		if err := s.dedup.Delete(opCtx, work.Value); err != nil {
			s.logger.Warn("dedup unmark failed", slog.String("error", err.Error()))
		}

		outcome, err := s.lookupPhone(opCtx, work.Value)
		if err != nil {
			return err
		}
		s.saveLookup(opCtx, campaign.ID, work.Value, outcome)
		return nil
	}

	for {
		if s.stopped.Load() {
			return ErrSessionStopped
		}

		results, err := retryQ.ProcessAllReady(ctx, op)
		if err != nil {
			return fmt.Errorf("drain retry queue: %w", err)
		}
		for _, res := range results {
			switch res.Status {
			case retryqueue.StatusSuccess:
				campaign.LookupsDone++
			case retryqueue.StatusFailed:
				campaign.LookupsFailed++
			}
		}

		// 剩下的项都还没到期：等最近的一项到期再继续
		size, err := retryQ.QueueSize(ctx)
		if err != nil {
			return err
		}
		if size == 0 {
			return nil
		}

		next, err := retryQ.AllItems(ctx)
		if err != nil {
			return err
		}
		if len(next) == 0 {
			return nil
		}
		wait := time.Until(next[0].NextRetryAt)
		if wait < 0 {
			wait = 0
		}
		s.logger.Debug("waiting for next retry item",
			slog.Duration("wait", wait),
			slog.Int64("remaining", size))

		timer := time.NewTimer(wait + 10*time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// responseContext 组装分类器动作回调。批次大小与延迟的实际调整由批次
// 控制器自己完成，这里只提供观测与会话级动作。
func (s *Service) responseContext(sessionID string, ctrl *batch.Controller) *botdetect.ResponseContext {
	rc := &botdetect.ResponseContext{
		PauseScraping: func(ctx context.Context) error {
			s.Pause()
			return nil
		},
		SendAlert: func(ctx context.Context, alert botdetect.Alert) error {
			alert.SessionID = sessionID
			return s.notifier.Send(ctx, alert)
		},
		StopSession: func(ctx context.Context) error {
			s.stopped.Store(true)
			return nil
		},
	}
	if ctrl != nil {
		rc.GetCurrentBatchSize = ctrl.Capacity
		rc.GetCurrentDelay = func() time.Duration {
			minDelay, _ := ctrl.CurrentDelayRange()
			return minDelay
		}
	}
	return rc
}

// finalizeCampaign 写回会话的最终状态与计数。
func (s *Service) finalizeCampaign(ctx context.Context, campaign *model.Campaign, runErr error) {
	now := time.Now()
	switch {
	case errors.Is(runErr, ErrSessionStopped):
		campaign.Status = model.CampaignStopped
		campaign.CompletedAt = &now
	case runErr != nil:
		campaign.Status = model.CampaignStopped
		campaign.CompletedAt = &now
	case campaign.Status == model.CampaignPaused:
		// 暂停的会话不写结束时间，等待恢复
	default:
		campaign.Status = model.CampaignCompleted
		campaign.CompletedAt = &now

		// 正常完成才清空重试队列，中断的会话要留着恢复
		if retryQ, err := s.retryQueue(campaign.SessionID); err == nil {
			if err := retryQ.Clear(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("clear retry queue failed", slog.String("error", err.Error()))
			}
		}
	}

	if err := s.db.WithContext(context.WithoutCancel(ctx)).Save(campaign).Error; err != nil {
		s.logger.Error("save campaign state failed",
			slog.String("session_id", campaign.SessionID),
			slog.String("error", err.Error()))
	}
	s.logger.Info("campaign finished",
		slog.String("session_id", campaign.SessionID),
		slog.String("status", campaign.Status),
		slog.Int("lookups_done", campaign.LookupsDone),
		slog.Int("lookups_failed", campaign.LookupsFailed))
}

// Pause 暂停抓取。当前批次跑完后生效。
func (s *Service) Pause() {
	if s.paused.CompareAndSwap(false, true) {
		s.logger.Info("scraping paused")
	}
}

// Resume 恢复抓取。
func (s *Service) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		s.logger.Info("scraping resumed")
	}
}

// IsPaused 返回是否处于暂停状态。
func (s *Service) IsPaused() bool {
	return s.paused.Load()
}

// StopSession 终止当前会话。
func (s *Service) StopSession() {
	if s.stopped.CompareAndSwap(false, true) {
		s.logger.Info("session stop requested")
	}
}

// Stats 服务级统计快照。
type Stats struct {
	Paused          bool
	Stopped         bool
	BrowserRestarts int64
}

// GetStats 获取统计快照。
func (s *Service) GetStats() Stats {
	return Stats{
		Paused:          s.paused.Load(),
		Stopped:         s.stopped.Load(),
		BrowserRestarts: s.restarts.Load(),
	}
}

// Shutdown 关闭浏览器实例。
func (s *Service) Shutdown(_ context.Context) error {
	s.mu.Lock()
	browser := s.browser
	s.browser = nil
	s.mu.Unlock()

	if browser != nil {
		if err := browser.Close(); err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
	}
	s.logger.Info("scraper service stopped")
	return nil
}
