package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/charging-platform/evse-simulator/internal/config"
	"github.com/charging-platform/evse-simulator/internal/session"
)

// RedisStorage 把会话快照和有效限值写入Redis，供外部协作方读取
type RedisStorage struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// NewRedisStorage 创建RedisStorage并验证连接
func NewRedisStorage(cfg config.RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "simulator"
	}
	ttl := cfg.SnapshotTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStorage{Client: client, Prefix: prefix, TTL: ttl}, nil
}

func (r *RedisStorage) snapshotKey(chargePointID string) string {
	return fmt.Sprintf("%s:snapshot:%s", r.Prefix, chargePointID)
}

func (r *RedisStorage) limitKey(chargePointID string, connectorID int) string {
	return fmt.Sprintf("%s:limit:%s:%d", r.Prefix, chargePointID, connectorID)
}

// SaveSnapshot 序列化并保存一个会话快照
func (r *RedisStorage) SaveSnapshot(ctx context.Context, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}
	return r.Client.Set(ctx, r.snapshotKey(snap.ChargePointID), data, r.TTL).Err()
}

// GetSnapshot 读取指定充电桩的最近快照
func (r *RedisStorage) GetSnapshot(ctx context.Context, chargePointID string) (*session.Snapshot, error) {
	data, err := r.Client.Get(ctx, r.snapshotKey(chargePointID)).Bytes()
	if err != nil {
		return nil, err
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot 删除指定充电桩的快照
func (r *RedisStorage) DeleteSnapshot(ctx context.Context, chargePointID string) error {
	return r.Client.Del(ctx, r.snapshotKey(chargePointID)).Err()
}

// SaveLimit 保存一个连接器的有效限值
func (r *RedisStorage) SaveLimit(ctx context.Context, chargePointID string, connectorID int, limitW float64) error {
	return r.Client.Set(ctx, r.limitKey(chargePointID, connectorID),
		fmt.Sprintf("%.1f", limitW), r.TTL).Err()
}

// GetLimit 读取一个连接器的有效限值
func (r *RedisStorage) GetLimit(ctx context.Context, chargePointID string, connectorID int) (float64, error) {
	val, err := r.Client.Get(ctx, r.limitKey(chargePointID, connectorID)).Float64()
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Close 关闭Redis连接
func (r *RedisStorage) Close() error {
	return r.Client.Close()
}

// SnapshotSource 快照来源，由会话池实现
type SnapshotSource interface {
	Snapshots() []session.Snapshot
}

// SnapshotLoop 周期性把所有会话快照写入Redis，ctx取消后返回
func (r *RedisStorage) SnapshotLoop(ctx context.Context, source SnapshotSource, interval time.Duration, logger zerolog.Logger) {
	log := logger.With().Str("component", "redis-snapshots").Logger()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saved := 0
			for _, snap := range source.Snapshots() {
				if err := r.SaveSnapshot(ctx, snap); err != nil {
					log.Warn().Err(err).Str("charge_point_id", snap.ChargePointID).Msg("Failed to persist snapshot")
					continue
				}
				saved++
				for connectorID, limit := range snap.EffectiveLimits {
					if err := r.SaveLimit(ctx, snap.ChargePointID, connectorID, limit.LimitW); err != nil {
						log.Warn().Err(err).Str("charge_point_id", snap.ChargePointID).Msg("Failed to persist limit")
					}
				}
			}
			log.Debug().Int("saved", saved).Msg("Session snapshots persisted")
		}
	}
}
