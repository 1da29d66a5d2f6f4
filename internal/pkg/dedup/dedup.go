package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "leadhunter:dedup:phone:"

// Deduplicator 基于 Redis SetNX 的电话号码去重器。
//
// 同一个号码在 TTL 窗口内只查询一次供应商接口，跨 scraper 实例生效。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsDuplicate 判断号码是否已处理过；首次见到时原子地打标并返回 false。
func (d *Deduplicator) IsDuplicate(ctx context.Context, phone string) (bool, error) {
	if d == nil || d.rdb == nil || phone == "" {
		return false, nil
	}
	key := keyPrefix + hashPhone(phone)
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Delete 移除号码的去重标记，使其可以被重新查询（重试路径使用）。
func (d *Deduplicator) Delete(ctx context.Context, phone string) error {
	if d == nil || d.rdb == nil || phone == "" {
		return nil
	}
	key := keyPrefix + hashPhone(phone)
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

// hashPhone 归一化（去掉空格、连字符、括号）后取 SHA-256。
// 保证 "03-1234-5678" 与 "03 1234 5678" 命中同一个键。
func hashPhone(phone string) string {
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, phone)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
