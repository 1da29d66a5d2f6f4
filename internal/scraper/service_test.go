package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"leadhunter/internal/batch"
	"leadhunter/internal/botdetect"
	"leadhunter/internal/config"
	"leadhunter/internal/model"
	"leadhunter/internal/pkg/dedup"
	"leadhunter/internal/retryqueue"
)

type noopNotifier struct{}

func (noopNotifier) Send(context.Context, botdetect.Alert) error { return nil }

// newTestService 构造不带浏览器的服务实例，只用于批次编排逻辑的测试。
func newTestService(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.Campaign{}, &model.Business{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := retryqueue.Migrate(db); err != nil {
		t.Fatalf("migrate retry queue: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	cfg := config.LoadOrDefault("/nonexistent/config.json")
	cfg.Batch.MinDelay = time.Millisecond
	cfg.Batch.MaxDelay = 2 * time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Service{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rdb:      rdb,
		dedup:    dedup.NewDeduplicator(rdb, time.Hour),
		detector: botdetect.NewDetector(botdetect.DefaultConfig(), logger),
		notifier: noopNotifier{},
	}
}

func seedCampaign(t *testing.T, s *Service, phones []string) *model.Campaign {
	t.Helper()
	campaign := &model.Campaign{
		SessionID: "session-" + strings.ReplaceAll(t.Name(), "/", "_"),
		Query:     "plumber",
		Region:    "Osaka",
		Status:    model.CampaignRunning,
		StartedAt: time.Now(),
	}
	if err := s.db.Create(campaign).Error; err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	for i, phone := range phones {
		biz := model.Business{
			CampaignID: campaign.ID,
			Name:       fmt.Sprintf("Business %d", i),
			Phone:      phone,
		}
		if err := s.db.Create(&biz).Error; err != nil {
			t.Fatalf("seed business: %v", err)
		}
	}
	return campaign
}

func TestPausedBeforeStartProcessesNothing(t *testing.T) {
	s := newTestService(t)
	campaign := seedCampaign(t, s, []string{"0311110001", "0311110002"})
	pending, err := s.pendingBusinesses(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("pendingBusinesses: %v", err)
	}

	s.paused.Store(true)
	called := 0
	proc := func(_ context.Context, _ batch.WorkItem) (string, error) {
		called++
		return "ok", nil
	}

	ctrl, err := s.newBatchController(nil)
	if err != nil {
		t.Fatalf("newBatchController: %v", err)
	}
	if err := s.processPending(context.Background(), campaign, ctrl, proc, nil, nil, pending); err != nil {
		t.Fatalf("processPending: %v", err)
	}

	if called != 0 {
		t.Fatalf("processor called %d times while paused, want 0", called)
	}
	if campaign.Status != model.CampaignPaused {
		t.Fatalf("status = %q, want paused", campaign.Status)
	}
	remaining, err := s.pendingBusinesses(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("pendingBusinesses: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("pending = %d after paused run, want 2 untouched", len(remaining))
	}
}

// 暂停发生在批次中途，剩余商家保持 pending；恢复后全部补齐，
// 包括去重标记仍然存在的号码。
func TestPauseThenResumeCoversAllPending(t *testing.T) {
	s := newTestService(t)
	s.cfg.Batch.MaxBatchSize = 2

	phones := []string{"0322220001", "0322220002", "0322220003", "0322220004", "0322220005"}
	campaign := seedCampaign(t, s, phones)
	pending, err := s.pendingBusinesses(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("pendingBusinesses: %v", err)
	}

	// 第一阶段：处理到第二个号码时请求暂停
	var firstRun []string
	proc := func(ctx context.Context, item batch.WorkItem) (string, error) {
		firstRun = append(firstRun, item.Value)
		s.saveLookup(ctx, campaign.ID, item.Value, &lookupOutcome{Provider: "carrier-a"})
		if item.Value == phones[1] {
			s.Pause()
		}
		return "carrier-a", nil
	}

	ctrl, err := s.newBatchController(nil)
	if err != nil {
		t.Fatalf("newBatchController: %v", err)
	}
	if err := s.processPending(context.Background(), campaign, ctrl, proc, nil, nil, pending); err != nil {
		t.Fatalf("processPending: %v", err)
	}

	if campaign.Status != model.CampaignPaused {
		t.Fatalf("status = %q after pause, want paused", campaign.Status)
	}
	if len(firstRun) != 2 {
		t.Fatalf("first run processed %v, want exactly the first batch of 2", firstRun)
	}
	if campaign.LookupsDone != 2 {
		t.Fatalf("lookups done = %d after pause, want 2", campaign.LookupsDone)
	}
	remaining, err := s.pendingBusinesses(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("pendingBusinesses: %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("pending = %d after pause, want 3 recoverable", len(remaining))
	}

	// 模拟中断前已留下的去重标记：恢复路径必须先解除它
	if _, err := s.dedup.IsDuplicate(context.Background(), phones[2]); err != nil {
		t.Fatalf("mark dedup: %v", err)
	}

	// 第二阶段：恢复，pending 商家全部补齐
	s.Resume()
	campaign.Status = model.CampaignRunning

	retryQ, err := s.retryQueue(campaign.SessionID)
	if err != nil {
		t.Fatalf("retryQueue: %v", err)
	}
	var secondRun []string
	resumeProc := func(ctx context.Context, item batch.WorkItem) (string, error) {
		secondRun = append(secondRun, item.Value)
		s.saveLookup(ctx, campaign.ID, item.Value, &lookupOutcome{Provider: "carrier-a"})
		return "carrier-a", nil
	}
	if err := s.resumePending(context.Background(), campaign, retryQ, resumeProc); err != nil {
		t.Fatalf("resumePending: %v", err)
	}

	if len(secondRun) != 3 {
		t.Fatalf("resume processed %v, want the 3 remaining phones", secondRun)
	}
	for i, phone := range phones[2:] {
		if secondRun[i] != phone {
			t.Fatalf("resume order = %v, want %v", secondRun, phones[2:])
		}
	}
	if campaign.LookupsDone != 5 {
		t.Fatalf("lookups done = %d after resume, want 5", campaign.LookupsDone)
	}
	if campaign.Status != model.CampaignRunning {
		t.Fatalf("status = %q after resume, want running", campaign.Status)
	}
	final, err := s.pendingBusinesses(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("pendingBusinesses: %v", err)
	}
	if len(final) != 0 {
		t.Fatalf("pending = %d after resume, want 0", len(final))
	}
}

func TestResumeWithNothingPendingDrainsQueueOnly(t *testing.T) {
	s := newTestService(t)
	campaign := seedCampaign(t, s, nil)

	retryQ, err := s.retryQueue(campaign.SessionID)
	if err != nil {
		t.Fatalf("retryQueue: %v", err)
	}
	called := 0
	proc := func(_ context.Context, _ batch.WorkItem) (string, error) {
		called++
		return "ok", nil
	}
	if err := s.resumePending(context.Background(), campaign, retryQ, proc); err != nil {
		t.Fatalf("resumePending: %v", err)
	}
	if called != 0 {
		t.Fatalf("processor called %d times with no pending businesses, want 0", called)
	}
}
