package profile

import (
	"sort"
	"time"

	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
)

// Engine 单会话的充电配置文件引擎
// 引擎由会话goroutine独占，不做内部加锁
type Engine struct {
	cfg        Config
	connectors map[int]*connectorState
	lastLimit  map[int]float64 // 上次发布的瓦数，用于抑制重复发布
}

// connectorState 单连接器的配置文件分区与交易上下文
type connectorState struct {
	profiles map[int]*StoredProfile
	txID     *int
	txStart  time.Time
}

// NewEngine 创建引擎
func NewEngine(cfg Config) *Engine {
	if cfg.DefaultPhases < 1 || cfg.DefaultPhases > 3 {
		cfg.DefaultPhases = 1
	}
	if cfg.VoltageV <= 0 {
		cfg.VoltageV = 230
	}
	return &Engine{
		cfg:        cfg,
		connectors: make(map[int]*connectorState),
		lastLimit:  make(map[int]float64),
	}
}

// connector 获取或创建连接器分区
func (e *Engine) connector(connectorID int) *connectorState {
	cs, ok := e.connectors[connectorID]
	if !ok {
		cs = &connectorState{profiles: make(map[int]*StoredProfile)}
		e.connectors[connectorID] = cs
	}
	return cs
}

// profileCount 全部连接器上的配置文件总数
func (e *Engine) profileCount() int {
	n := 0
	for _, cs := range e.connectors {
		n += len(cs.profiles)
	}
	return n
}

// ProfileCount 当前存储的配置文件总数
func (e *Engine) ProfileCount() int {
	return e.profileCount()
}

// Set 接受SetChargingProfile
// TxProfile规则：带transactionId时必须匹配当前交易；不带时临时接受，
// 在下一次StartTransaction时绑定
func (e *Engine) Set(connectorID int, p ocpp16.ChargingProfile, now time.Time) SetStatus {
	if !p.ChargingProfilePurpose.IsValid() || !p.ChargingProfileKind.IsValid() {
		return SetRejected
	}
	if !p.ChargingSchedule.ChargingRateUnit.IsValid() {
		return SetRejected
	}
	if p.ChargingProfileId <= 0 || p.StackLevel < 0 {
		return SetRejected
	}
	periods := p.ChargingSchedule.ChargingSchedulePeriod
	if len(periods) == 0 {
		return SetRejected
	}
	prev := -1
	for _, period := range periods {
		if period.StartPeriod < 0 || period.StartPeriod <= prev || period.Limit < 0 {
			return SetRejected
		}
		if period.NumberPhases != nil && (*period.NumberPhases < 1 || *period.NumberPhases > 3) {
			return SetRejected
		}
		prev = period.StartPeriod
	}
	if p.ValidFrom != nil && p.ValidTo != nil && p.ValidTo.Before(p.ValidFrom.Time) {
		return SetRejected
	}

	cs := e.connector(connectorID)

	if p.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile {
		if p.TransactionId != nil {
			if cs.txID == nil || *cs.txID != *p.TransactionId {
				return SetRejected
			}
		}
		// transactionId缺失时临时接受，StartTransaction时由AttachTransaction绑定
	}

	// 堆叠驱逐：同用途且stackLevel不高于新配置文件的全部出局
	// 严格模式下仅驱逐相同stackLevel
	for id, stored := range cs.profiles {
		if stored.Profile.ChargingProfilePurpose != p.ChargingProfilePurpose {
			continue
		}
		if e.cfg.StrictStacking {
			if stored.Profile.StackLevel == p.StackLevel {
				delete(cs.profiles, id)
			}
		} else if stored.Profile.StackLevel <= p.StackLevel {
			delete(cs.profiles, id)
		}
	}

	if e.cfg.MaxProfiles > 0 && e.profileCount() >= e.cfg.MaxProfiles {
		return SetRejected
	}

	cs.profiles[p.ChargingProfileId] = &StoredProfile{Profile: p, AcceptedAt: now}
	return SetAccepted
}

// Clear 按条件清除配置文件，返回被清除的id
// 空条件清除全部
func (e *Engine) Clear(criteria ClearCriteria) []int {
	var cleared []int
	for connectorID, cs := range e.connectors {
		if criteria.ConnectorID != nil && *criteria.ConnectorID != connectorID {
			continue
		}
		for id, stored := range cs.profiles {
			if criteria.ID != nil && *criteria.ID != id {
				continue
			}
			if criteria.Purpose != nil && *criteria.Purpose != stored.Profile.ChargingProfilePurpose {
				continue
			}
			if criteria.StackLevel != nil && *criteria.StackLevel != stored.Profile.StackLevel {
				continue
			}
			delete(cs.profiles, id)
			cleared = append(cleared, id)
		}
	}
	sort.Ints(cleared)
	return cleared
}

// Get 读取配置文件
func (e *Engine) Get(connectorID, profileID int) (*StoredProfile, bool) {
	cs, ok := e.connectors[connectorID]
	if !ok {
		return nil, false
	}
	stored, ok := cs.profiles[profileID]
	return stored, ok
}

// Profiles 连接器上的全部配置文件快照
func (e *Engine) Profiles(connectorID int) []*StoredProfile {
	cs, ok := e.connectors[connectorID]
	if !ok {
		return nil
	}
	out := make([]*StoredProfile, 0, len(cs.profiles))
	for _, stored := range cs.profiles {
		out = append(out, stored)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Profile.ChargingProfileId < out[j].Profile.ChargingProfileId
	})
	return out
}

// StartTransaction 记录交易开始并绑定临时TxProfile
func (e *Engine) StartTransaction(connectorID, txID int, start time.Time) {
	cs := e.connector(connectorID)
	cs.txID = &txID
	cs.txStart = start

	for _, stored := range cs.profiles {
		p := stored.Profile
		if p.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile && p.TransactionId == nil {
			id := txID
			p.TransactionId = &id
			stored.Profile = p
		}
	}
}

// EndTransaction 交易结束，清除交易上下文和TxProfile
func (e *Engine) EndTransaction(connectorID int) []int {
	cs, ok := e.connectors[connectorID]
	if !ok {
		return nil
	}
	cs.txID = nil
	cs.txStart = time.Time{}

	var removed []int
	for id, stored := range cs.profiles {
		if stored.Profile.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile {
			delete(cs.profiles, id)
			removed = append(removed, id)
		}
	}
	sort.Ints(removed)
	return removed
}

// Sweep 移除validTo或duration已过期的配置文件，返回按连接器分组的移除id
func (e *Engine) Sweep(now time.Time) map[int][]int {
	var expired map[int][]int
	for connectorID, cs := range e.connectors {
		for id, stored := range cs.profiles {
			if !e.isExpired(stored, cs, now) {
				continue
			}
			delete(cs.profiles, id)
			if expired == nil {
				expired = make(map[int][]int)
			}
			expired[connectorID] = append(expired[connectorID], id)
		}
	}
	for _, ids := range expired {
		sort.Ints(ids)
	}
	return expired
}

// isExpired 过期判断：validTo已过，或非Recurring的duration已走完
func (e *Engine) isExpired(stored *StoredProfile, cs *connectorState, now time.Time) bool {
	p := stored.Profile
	if p.ValidTo != nil && !now.Before(p.ValidTo.Time) {
		return true
	}
	if p.ChargingProfileKind != ocpp16.ChargingProfileKindRecurring && p.ChargingSchedule.Duration != nil {
		origin, ok := e.origin(stored, cs, now)
		if ok && now.After(origin.Add(time.Duration(*p.ChargingSchedule.Duration)*time.Second)) {
			return true
		}
	}
	return false
}

// RecomputeLimit 重算有效限值，瓦数变化时返回changed=true
func (e *Engine) RecomputeLimit(connectorID int, now time.Time) (Limit, bool) {
	limit := e.EffectiveLimit(connectorID, now)
	last, seen := e.lastLimit[connectorID]
	changed := !seen || last != limit.LimitW
	e.lastLimit[connectorID] = limit.LimitW
	return limit, changed
}

// EffectiveLimit 计算当前有效限值
// 选择规则：按(用途优先级, stackLevel)降序取第一个产生限值的配置文件
func (e *Engine) EffectiveLimit(connectorID int, now time.Time) Limit {
	cs, ok := e.connectors[connectorID]
	if !ok {
		return e.defaultLimit()
	}

	candidates := make([]*StoredProfile, 0, len(cs.profiles))
	for _, stored := range cs.profiles {
		candidates = append(candidates, stored)
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Profile, candidates[j].Profile
		if a, b := purposePriority(pi.ChargingProfilePurpose), purposePriority(pj.ChargingProfilePurpose); a != b {
			return a > b
		}
		if pi.StackLevel != pj.StackLevel {
			return pi.StackLevel > pj.StackLevel
		}
		return pi.ChargingProfileId > pj.ChargingProfileId
	})

	for _, stored := range candidates {
		if limit, ok := e.evaluate(stored, cs, now); ok {
			return limit
		}
	}
	return e.defaultLimit()
}

// defaultLimit 无活动配置文件时的物理上限快照
func (e *Engine) defaultLimit() Limit {
	return Limit{
		LimitW:   e.cfg.MaxPowerW,
		RawLimit: e.cfg.MaxPowerW,
		Unit:     ocpp16.ChargingRateUnitW,
		Default:  true,
	}
}
