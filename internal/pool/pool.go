package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/evse-simulator/internal/bus"
	"github.com/charging-platform/evse-simulator/internal/clock"
	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/evse-simulator/internal/domain/validation"
	"github.com/charging-platform/evse-simulator/internal/session"
)

var (
	ErrPoolFull             = errors.New("pool: max sessions reached")
	ErrMemoryLow            = errors.New("pool: memory limit exceeded")
	ErrDuplicateChargePoint = errors.New("pool: charge point id already in use")
	ErrSessionNotFound      = errors.New("pool: session not found")
	ErrBatchActive          = errors.New("pool: a batch is already running")
	ErrClosed               = errors.New("pool: closed")
)

// Config 池配置
type Config struct {
	MaxSessions   int
	RampRate      int // 每秒最多启动的会话数
	IDPrefix      string
	SnapshotEvery time.Duration
	ReapInterval  time.Duration // 清理已终止会话的周期
	MemoryLimitMB int           // 0表示不限制
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 25000
	}
	if c.RampRate <= 0 {
		c.RampRate = 500
	}
	if c.IDPrefix == "" {
		c.IDPrefix = "CP"
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Second
	}
}

// BatchSpec StartBatch参数
type BatchSpec struct {
	Count         int
	RampUp        time.Duration
	Hold          time.Duration // 0表示不自动拆除
	IDPrefix      string        // 为空时使用池前缀
	CSMSURL       string
	IdTag         string
	MeterInterval time.Duration
}

// Pool 会话池：sessionId到会话任务的映射与批量编排
type Pool struct {
	cfg      Config
	defaults session.Config
	clk      clock.Clock
	eventBus *bus.Bus
	valid    *validation.Validator
	handlers *session.HandlerRegistry
	logger   zerolog.Logger
	agg      *Aggregator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	sessions  map[string]*session.Session // sessionId -> 会话
	byCP      map[string]string           // chargePointId -> sessionId
	closed    bool
	nextIndex atomic.Int64

	batchMu     sync.Mutex
	batchCancel context.CancelFunc
	batchDone   chan struct{}
}

// New 创建会话池，defaults为每个会话的基础配置
func New(cfg Config, defaults session.Config, clk clock.Clock, eventBus *bus.Bus,
	valid *validation.Validator, handlers *session.HandlerRegistry, logger zerolog.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:      cfg,
		defaults: defaults,
		clk:      clk,
		eventBus: eventBus,
		valid:    valid,
		handlers: handlers,
		logger:   logger.With().Str("component", "pool").Logger(),
		agg:      NewAggregator(clk, eventBus, logger),
		sessions: make(map[string]*session.Session),
		byCP:     make(map[string]string),
	}
}

// Aggregator 池的指标聚合器
func (p *Pool) Aggregator() *Aggregator {
	return p.agg
}

// Start 启动聚合器和会话清理
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.agg.Run(p.ctx, p.cfg.SnapshotEvery)
	}()
	go func() {
		defer p.wg.Done()
		p.reapLoop()
	}()
}

// reapLoop 定期移除已永久终止的会话
func (p *Pool) reapLoop() {
	ticker := p.clk.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C():
			p.reap()
		}
	}
}

func (p *Pool) reap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.sessions {
		select {
		case <-s.Done():
			delete(p.sessions, id)
			delete(p.byCP, s.ChargePointID())
			p.agg.Forget(id)
		default:
		}
	}
}

// CreateSession 创建并启动一个会话，不自动连接
func (p *Pool) CreateSession(cfg session.Config) (*session.Session, error) {
	if cfg.CSMSURL == "" {
		cfg.CSMSURL = p.defaults.CSMSURL
	}
	if err := p.valid.ValidateChargePointID(cfg.ChargePointID); err != nil {
		return nil, fmt.Errorf("pool: invalid charge point id: %w", err)
	}
	if !p.memoryOK() {
		return nil, ErrMemoryLow
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if len(p.sessions) >= p.cfg.MaxSessions {
		return nil, ErrPoolFull
	}
	if _, exists := p.byCP[cfg.ChargePointID]; exists {
		return nil, ErrDuplicateChargePoint
	}

	s := session.New(cfg, p.clk, p.eventBus, p.valid, p.handlers, p.logger)
	s.Start(p.ctx)
	p.sessions[s.ID()] = s
	p.byCP[cfg.ChargePointID] = s.ID()
	return s, nil
}

// Get 按sessionId查找会话
func (p *Pool) Get(sessionID string) (*session.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[sessionID]
	return s, ok
}

// GetByChargePoint 按充电桩id查找会话
func (p *Pool) GetByChargePoint(chargePointID string) (*session.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byCP[chargePointID]
	if !ok {
		return nil, false
	}
	s, ok := p.sessions[id]
	return s, ok
}

// Len 当前会话数量
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Snapshots 采集所有会话的不可变视图
// 已关闭或inbox拥塞的会话被跳过
func (p *Pool) Snapshots() []session.Snapshot {
	p.mu.RLock()
	targets := make([]*session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		targets = append(targets, s)
	}
	p.mu.RUnlock()

	snapshots := make([]session.Snapshot, 0, len(targets))
	for _, s := range targets {
		snap, err := s.Snapshot()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// Inject 向指定会话转发命令
func (p *Pool) Inject(sessionID string, fn func(*session.Session) error) error {
	s, ok := p.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return fn(s)
}

// Broadcast 向所有会话转发命令，返回成功数量
// 单个会话的Busy/Cancelled不影响其它会话
func (p *Pool) Broadcast(fn func(*session.Session) error) int {
	p.mu.RLock()
	targets := make([]*session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		targets = append(targets, s)
	}
	p.mu.RUnlock()

	succeeded := 0
	for _, s := range targets {
		if err := fn(s); err != nil {
			p.logger.Debug().Str("session_id", s.ID()).Err(err).Msg("Broadcast command failed")
			continue
		}
		succeeded++
	}
	return succeeded
}

// TriggerHeartbeats 所有会话立即发送一次心跳
func (p *Pool) TriggerHeartbeats() int {
	return p.Broadcast(func(s *session.Session) error {
		_, err := s.SendCall(string(ocpp16.ActionHeartbeat), ocpp16.HeartbeatRequest{}, 0)
		return err
	})
}

// StartBatch 批量创建会话：按Count/RampUp的速率拉起，保持Hold后拆除
// Hold为0时批次保持运行直到StopBatch/Stop
func (p *Pool) StartBatch(spec BatchSpec) error {
	if spec.Count <= 0 {
		return fmt.Errorf("pool: batch count must be > 0, got %d", spec.Count)
	}
	if !p.memoryOK() {
		return ErrMemoryLow
	}
	p.mu.RLock()
	capacityLeft := p.cfg.MaxSessions - len(p.sessions)
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if spec.Count > capacityLeft {
		return ErrPoolFull
	}

	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	if p.batchCancel != nil {
		return ErrBatchActive
	}

	batchCtx, cancel := context.WithCancel(p.ctx)
	done := make(chan struct{})
	p.batchCancel = cancel
	p.batchDone = done

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		defer func() {
			p.batchMu.Lock()
			p.batchCancel = nil
			p.batchDone = nil
			p.batchMu.Unlock()
		}()
		p.runBatch(batchCtx, spec)
	}()
	return nil
}

// runBatch 批次编排：ramp -> hold -> teardown
func (p *Pool) runBatch(ctx context.Context, spec BatchSpec) {
	rate := spec.Count
	if spec.RampUp > 0 {
		perSecond := float64(spec.Count) / spec.RampUp.Seconds()
		rate = int(perSecond + 0.5)
		if rate < 1 {
			rate = 1
		}
	}
	if rate > p.cfg.RampRate {
		rate = p.cfg.RampRate
	}
	interval := time.Second / time.Duration(rate)

	prefix := spec.IDPrefix
	if prefix == "" {
		prefix = p.cfg.IDPrefix
	}

	p.logger.Info().
		Int("count", spec.Count).
		Int("rate", rate).
		Dur("ramp_up", spec.RampUp).
		Dur("hold", spec.Hold).
		Msg("Starting session batch")

	created := make([]*session.Session, 0, spec.Count)
	ticker := p.clk.NewTicker(interval)
	defer ticker.Stop()

ramp:
	for i := 0; i < spec.Count; i++ {
		select {
		case <-ctx.Done():
			break ramp
		case <-ticker.C():
		}

		cfg := p.defaults
		cfg.ChargePointID = fmt.Sprintf("%s-%06d", prefix, p.nextIndex.Add(1))
		if spec.CSMSURL != "" {
			cfg.CSMSURL = spec.CSMSURL
		}
		if spec.IdTag != "" {
			cfg.IdTag = spec.IdTag
		}
		if spec.MeterInterval > 0 {
			cfg.MeterInterval = spec.MeterInterval
		}

		s, err := p.CreateSession(cfg)
		if err != nil {
			p.logger.Warn().Err(err).Str("charge_point_id", cfg.ChargePointID).Msg("Batch session creation failed")
			if errors.Is(err, ErrMemoryLow) || errors.Is(err, ErrPoolFull) || errors.Is(err, ErrClosed) {
				break ramp
			}
			continue
		}
		if err := s.Open(); err != nil {
			p.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("Batch session open failed")
		}
		created = append(created, s)
		p.agg.SetProgress(float64(len(created)) / float64(spec.Count) * 100)
	}

	p.logger.Info().Int("created", len(created)).Msg("Batch ramp complete")

	if spec.Hold > 0 {
		select {
		case <-ctx.Done():
		case <-p.clk.After(spec.Hold):
		}
		p.teardown(created)
		return
	}

	// 无hold：等待取消后拆除
	<-ctx.Done()
	p.teardown(created)
}

// teardown 关闭批次创建的所有会话
// 阻塞投递关闭命令，inbox拥塞的会话也必须收到它，否则Wait永不返回
func (p *Pool) teardown(created []*session.Session) {
	p.logger.Info().Int("count", len(created)).Msg("Tearing down batch")
	for _, s := range created {
		s.CloseBlocking("batch teardown")
	}
	for _, s := range created {
		s.Wait()
	}
	p.reap()
	p.agg.SetProgress(0)
}

// StopBatch 取消进行中的批次并等待其拆除完成
func (p *Pool) StopBatch() {
	p.batchMu.Lock()
	cancel := p.batchCancel
	done := p.batchDone
	p.batchMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stop 关闭池：取消批次，关闭所有会话并等待退出
func (p *Pool) Stop() {
	p.StopBatch()

	p.mu.Lock()
	p.closed = true
	remaining := make([]*session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		remaining = append(remaining, s)
	}
	p.mu.Unlock()

	for _, s := range remaining {
		s.CloseBlocking("pool stopped")
	}
	for _, s := range remaining {
		s.Wait()
	}
	for _, s := range remaining {
		p.agg.Forget(s.ID())
	}

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.sessions = make(map[string]*session.Session)
	p.byCP = make(map[string]string)
	p.mu.Unlock()
}

// memoryOK 可用内存启发式：堆占用超过配置上限时拒绝扩容
func (p *Pool) memoryOK() bool {
	if p.cfg.MemoryLimitMB <= 0 {
		return true
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc < uint64(p.cfg.MemoryLimitMB)*1024*1024
}
