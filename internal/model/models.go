package model

import (
	"time"
)

// Campaign 状态
const (
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignStopped   = "stopped"
	CampaignCompleted = "completed"
)

// 号码查询状态
const (
	LookupPending = "pending"
	LookupDone    = "done"
	LookupFailed  = "failed"
)

// Campaign 表示一次抓取会话。
//
// SessionID 同时是重试队列的分区键：会话中断后按 SessionID 恢复，
// 能接着处理之前留下的重试项。
type Campaign struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	SessionID string `gorm:"type:varchar(64);uniqueIndex;not null"` // 会话唯一标识 (UUID)
	Query     string `gorm:"not null"`                              // 搜索词（行业/类目）
	Region    string `gorm:"not null"`                              // 搜索地区

	Status      string     `gorm:"default:running"` // running / paused / stopped / completed
	StartedAt   time.Time  // 开始时间
	CompletedAt *time.Time // 结束时间（nil 表示仍在进行）

	ListingsFound  int // 已抓取的商家数
	LookupsDone    int // 已完成的号码查询数
	LookupsFailed  int // 最终失败（重试耗尽）的查询数
	BotSignalsSeen int // 会话期间的封锁信号数

	Businesses []Business `gorm:"foreignKey:CampaignID"` // 会话抓到的商家
}

// Business 表示从地图搜索结果抓取到的商家条目。
//
// Phone 在 campaign 内唯一，跨 campaign 允许重复（去重由 Redis 层负责）。
type Business struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 首次抓取时间
	UpdatedAt time.Time // 更新时间

	CampaignID uint   `gorm:"not null;index"`                 // 所属会话
	Name       string `gorm:"not null"`                       // 商家名称
	Phone      string `gorm:"type:varchar(32);not null;index"` // 电话号码（查询用的主键）
	Address    string // 地址
	Category   string // 类目
	Website    string // 官网链接
	SourceURL  string // 来源页面链接

	LookupStatus string `gorm:"default:pending"` // pending / done / failed
	Provider     string // 查询返回的当前运营商
	Ported       bool   // 号码是否发生过携转
	LookedUpAt   *time.Time // 查询完成时间
}
