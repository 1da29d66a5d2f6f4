package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"leadhunter/internal/api/middleware"
	"leadhunter/internal/config"
	"leadhunter/internal/model"
	"leadhunter/internal/pkg/queue"
	"leadhunter/internal/retryqueue"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ScraperControl 是运维 API 对抓取服务的控制面。
//
// 用接口而不是具体类型，路由处理器可以脱离真实浏览器测试。
type ScraperControl interface {
	Pause()
	Resume()
	IsPaused() bool
	StopSession()
}

// Server 封装运维 API 的依赖与路由。
//
// 它只做观测与控制：查看 campaign 进度、重试队列状态，
// 以及暂停/恢复/终止抓取。campaign 的创建由抓取进程自己负责。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *gorm.DB
	rdb     *redis.Client
	router  *gin.Engine
	scraper ScraperControl
	alerts  *queue.Queue
}

// NewServer 初始化运维 API 服务器。alerts 是告警投递队列，仅用于
// 状态接口的统计展示，可为 nil。
func NewServer(cfg *config.Config, logger *slog.Logger, db *gorm.DB, rdb *redis.Client, scraper ScraperControl, alerts *queue.Queue) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		rdb:     rdb,
		router:  r,
		scraper: scraper,
		alerts:  alerts,
	}
	s.registerRoutes()
	return s
}

// Router 返回底层 http.Handler，测试时直接挂到 httptest。
func (s *Server) Router() http.Handler {
	return s.router
}

// Run 启动 HTTP 服务，阻塞直到出错。
func (s *Server) Run() error {
	s.logger.Info("api server started", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	{
		api.GET("/campaigns", s.handleListCampaigns)
		api.GET("/campaigns/:session", s.handleGetCampaign)
		api.GET("/campaigns/:session/retries", s.handleRetryStats)

		control := api.Group("/control")
		{
			control.POST("/pause", s.handlePause)
			control.POST("/resume", s.handleResume)
			control.POST("/stop", s.handleStop)
			control.GET("/status", s.handleControlStatus)
		}
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// campaignSummary 列表接口返回的 campaign 摘要。
type campaignSummary struct {
	SessionID      string     `json:"session_id"`
	Query          string     `json:"query"`
	Region         string     `json:"region"`
	Status         string     `json:"status"`
	ListingsFound  int        `json:"listings_found"`
	LookupsDone    int        `json:"lookups_done"`
	LookupsFailed  int        `json:"lookups_failed"`
	BotSignalsSeen int        `json:"bot_signals_seen"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleListCampaigns(c *gin.Context) {
	var campaigns []model.Campaign
	err := s.db.WithContext(c.Request.Context()).
		Order("started_at desc").
		Limit(100).
		Find(&campaigns).Error
	if err != nil {
		s.logger.Error("list campaigns failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list campaigns failed"})
		return
	}

	out := make([]campaignSummary, 0, len(campaigns))
	for _, cp := range campaigns {
		out = append(out, toSummary(cp))
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": out})
}

func (s *Server) handleGetCampaign(c *gin.Context) {
	session := c.Param("session")

	var campaign model.Campaign
	err := s.db.WithContext(c.Request.Context()).
		Where("session_id = ?", session).
		First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}
	if err != nil {
		s.logger.Error("get campaign failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get campaign failed"})
		return
	}

	var businesses []model.Business
	if err := s.db.WithContext(c.Request.Context()).
		Where("campaign_id = ?", campaign.ID).
		Order("id asc").
		Find(&businesses).Error; err != nil {
		s.logger.Error("list businesses failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list businesses failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"campaign":   toSummary(campaign),
		"businesses": businesses,
	})
}

func (s *Server) handleRetryStats(c *gin.Context) {
	session := c.Param("session")

	q, err := retryqueue.New(s.db, s.logger, session, retryqueue.Options{
		MaxRetries: s.cfg.Retry.MaxRetries,
		BaseDelay:  s.cfg.Retry.BaseDelay,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stats, err := q.GetStats(c.Request.Context())
	if err != nil {
		s.logger.Error("retry stats failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry stats failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":  session,
		"total":       stats.Total,
		"ready":       stats.Ready,
		"by_type":     stats.ByType,
		"by_attempts": stats.ByAttempts,
	})
}

func (s *Server) handlePause(c *gin.Context) {
	s.scraper.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.scraper.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleStop(c *gin.Context) {
	s.scraper.StopSession()
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleControlStatus(c *gin.Context) {
	resp := gin.H{"paused": s.scraper.IsPaused()}
	if s.alerts != nil {
		stats := s.alerts.Stats()
		resp["alert_queue"] = gin.H{
			"enqueued":  stats.TotalEnqueued,
			"processed": stats.TotalProcessed,
			"succeeded": stats.TotalSucceeded,
			"failed":    stats.TotalFailed,
			"dropped":   stats.TotalDropped,
			"panics":    stats.TotalPanics,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func toSummary(cp model.Campaign) campaignSummary {
	return campaignSummary{
		SessionID:      cp.SessionID,
		Query:          cp.Query,
		Region:         cp.Region,
		Status:         cp.Status,
		ListingsFound:  cp.ListingsFound,
		LookupsDone:    cp.LookupsDone,
		LookupsFailed:  cp.LookupsFailed,
		BotSignalsSeen: cp.BotSignalsSeen,
		StartedAt:      cp.StartedAt,
		CompletedAt:    cp.CompletedAt,
	}
}
