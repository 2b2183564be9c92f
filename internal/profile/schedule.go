package profile

import (
	"math"
	"sort"
	"time"

	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
)

// origin 计算配置文件的有效时间原点
// Absolute: startSchedule，缺省为接受时间
// Relative: 当前交易开始时间，无交易则无原点
// Recurring Daily/Weekly: startSchedule的时刻对齐到最近一次过去的发生点
func (e *Engine) origin(stored *StoredProfile, cs *connectorState, now time.Time) (time.Time, bool) {
	p := stored.Profile
	switch p.ChargingProfileKind {
	case ocpp16.ChargingProfileKindAbsolute:
		if p.ChargingSchedule.StartSchedule != nil {
			return p.ChargingSchedule.StartSchedule.Time, true
		}
		return stored.AcceptedAt, true

	case ocpp16.ChargingProfileKindRelative:
		if cs.txID == nil {
			return time.Time{}, false
		}
		return cs.txStart, true

	case ocpp16.ChargingProfileKindRecurring:
		if p.ChargingSchedule.StartSchedule == nil {
			return time.Time{}, false
		}
		ref := p.ChargingSchedule.StartSchedule.Time
		if p.RecurrencyKind != nil && *p.RecurrencyKind == ocpp16.RecurrencyKindWeekly {
			return lastWeeklyOccurrence(ref, now), true
		}
		return lastDailyOccurrence(ref, now), true
	}
	return time.Time{}, false
}

// lastDailyOccurrence 取ref的hh:mm:ss在now当天的时刻，若在未来则取昨天
func lastDailyOccurrence(ref, now time.Time) time.Time {
	h, m, s := ref.Clock()
	candidate := time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, now.Location())
	if candidate.After(now) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}

// lastWeeklyOccurrence 取ref的星期几和hh:mm:ss最近一次过去的发生点
func lastWeeklyOccurrence(ref, now time.Time) time.Time {
	h, m, s := ref.Clock()
	candidate := time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, now.Location())
	dayDiff := int(candidate.Weekday()) - int(ref.Weekday())
	if dayDiff < 0 {
		dayDiff += 7
	}
	candidate = candidate.AddDate(0, 0, -dayDiff)
	if candidate.After(now) {
		candidate = candidate.AddDate(0, 0, -7)
	}
	return candidate
}

// cycleLength Recurring配置文件的周期长度，duration优先
func cycleLength(p ocpp16.ChargingProfile) time.Duration {
	if p.ChargingSchedule.Duration != nil {
		return time.Duration(*p.ChargingSchedule.Duration) * time.Second
	}
	if p.RecurrencyKind != nil && *p.RecurrencyKind == ocpp16.RecurrencyKindWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// evaluate 判断配置文件在now是否产生限值
func (e *Engine) evaluate(stored *StoredProfile, cs *connectorState, now time.Time) (Limit, bool) {
	p := stored.Profile

	// 有效窗口检查
	if p.ValidFrom != nil && p.ValidFrom.After(now) {
		return Limit{}, false
	}
	if p.ValidTo != nil && !now.Before(p.ValidTo.Time) {
		return Limit{}, false
	}
	// TxProfile仅在绑定的交易活动期间有效
	if p.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile {
		if cs.txID == nil {
			return Limit{}, false
		}
		if p.TransactionId != nil && *p.TransactionId != *cs.txID {
			return Limit{}, false
		}
	}

	origin, ok := e.origin(stored, cs, now)
	if !ok || origin.After(now) {
		return Limit{}, false
	}

	elapsed := now.Sub(origin)
	if p.ChargingProfileKind == ocpp16.ChargingProfileKindRecurring {
		if p.ChargingSchedule.Duration != nil {
			elapsed = elapsed % (time.Duration(*p.ChargingSchedule.Duration) * time.Second)
		}
	} else if p.ChargingSchedule.Duration != nil {
		if elapsed > time.Duration(*p.ChargingSchedule.Duration)*time.Second {
			return Limit{}, false
		}
	}

	periods := p.ChargingSchedule.ChargingSchedulePeriod
	idx := activePeriodIndex(periods, elapsed)
	if idx < 0 {
		return Limit{}, false
	}
	period := periods[idx]

	limitW := e.toWatts(period.Limit, p.ChargingSchedule.ChargingRateUnit, period.NumberPhases)
	if p.ChargingSchedule.MinChargingRate != nil {
		minW := e.toWatts(*p.ChargingSchedule.MinChargingRate, p.ChargingSchedule.ChargingRateUnit, period.NumberPhases)
		if limitW < minW {
			limitW = minW
		}
	}
	limitW = e.clamp(limitW)

	limit := Limit{
		LimitW:       limitW,
		RawLimit:     period.Limit,
		Unit:         p.ChargingSchedule.ChargingRateUnit,
		ProfileID:    p.ChargingProfileId,
		Purpose:      p.ChargingProfilePurpose,
		StackLevel:   p.StackLevel,
		NumberPhases: period.NumberPhases,
	}

	// 同一周期内的下一段
	if idx+1 < len(periods) {
		next := periods[idx+1]
		seconds := next.StartPeriod - int(elapsed/time.Second)
		nextW := e.clamp(e.toWatts(next.Limit, p.ChargingSchedule.ChargingRateUnit, next.NumberPhases))
		limit.NextChangeIn = &seconds
		limit.NextLimitW = &nextW
	}
	return limit, true
}

// activePeriodIndex 最后一个startPeriod<=elapsed的段
func activePeriodIndex(periods []ocpp16.ChargingSchedulePeriod, elapsed time.Duration) int {
	seconds := int(elapsed / time.Second)
	idx := -1
	for i, period := range periods {
		if period.StartPeriod <= seconds {
			idx = i
		} else {
			break
		}
	}
	return idx
}

// toWatts 限值换算为瓦：A单位时 W = A x 电压 x 相数
func (e *Engine) toWatts(value float64, unit ocpp16.ChargingRateUnit, numberPhases *int) float64 {
	if unit == ocpp16.ChargingRateUnitW {
		return value
	}
	phases := e.cfg.DefaultPhases
	if numberPhases != nil {
		phases = *numberPhases
	}
	return value * e.cfg.VoltageV * float64(phases)
}

// fromWatts 瓦换算回请求单位，相数取活动段声明值，缺省用连接器默认
func (e *Engine) fromWatts(watts float64, unit ocpp16.ChargingRateUnit, numberPhases *int) float64 {
	if unit == ocpp16.ChargingRateUnitW {
		return watts
	}
	phases := e.cfg.DefaultPhases
	if numberPhases != nil {
		phases = *numberPhases
	}
	return watts / (e.cfg.VoltageV * float64(phases))
}

// clamp 限制到[0, MaxPowerW]
func (e *Engine) clamp(watts float64) float64 {
	if watts < 0 {
		return 0
	}
	if e.cfg.MaxPowerW > 0 && watts > e.cfg.MaxPowerW {
		return e.cfg.MaxPowerW
	}
	return watts
}

// CompositeSchedule 计算[now, now+duration)窗口的复合计划
// 在限值可能变化的事件点采样，相邻等限值段合并
func (e *Engine) CompositeSchedule(connectorID int, duration time.Duration, unit ocpp16.ChargingRateUnit, now time.Time) ocpp16.ChargingSchedule {
	if !unit.IsValid() {
		unit = ocpp16.ChargingRateUnitW
	}

	offsets := e.changeOffsets(connectorID, duration, now)

	durationSeconds := int(duration / time.Second)
	var periods []ocpp16.ChargingSchedulePeriod
	lastLimit := math.NaN()
	for _, offset := range offsets {
		at := now.Add(time.Duration(offset) * time.Second)
		limit := e.EffectiveLimit(connectorID, at)
		converted := roundLimit(e.fromWatts(limit.LimitW, unit, limit.NumberPhases))
		if converted == lastLimit {
			continue
		}
		periods = append(periods, ocpp16.ChargingSchedulePeriod{StartPeriod: offset, Limit: converted})
		lastLimit = converted
	}

	return ocpp16.ChargingSchedule{
		Duration:               &durationSeconds,
		StartSchedule:          ptrDateTime(now),
		ChargingRateUnit:       unit,
		ChargingSchedulePeriod: periods,
	}
}

// changeOffsets 窗口内限值可能变化的时间点（相对now的秒偏移，含0，升序去重）
func (e *Engine) changeOffsets(connectorID int, duration time.Duration, now time.Time) []int {
	const maxEvents = 4096
	windowSeconds := int(duration / time.Second)

	seen := map[int]bool{0: true}
	add := func(at time.Time) {
		offset := int(at.Sub(now) / time.Second)
		if offset <= 0 || offset >= windowSeconds {
			return
		}
		seen[offset] = true
	}

	cs, ok := e.connectors[connectorID]
	if ok {
		end := now.Add(duration)
		for _, stored := range cs.profiles {
			p := stored.Profile
			if p.ValidFrom != nil {
				add(p.ValidFrom.Time)
			}
			if p.ValidTo != nil {
				add(p.ValidTo.Time)
			}

			origin, okOrigin := e.origin(stored, cs, now)
			if !okOrigin {
				continue
			}
			if p.ChargingProfileKind == ocpp16.ChargingProfileKindRecurring {
				cycle := cycleLength(p)
				for cycleStart := origin; cycleStart.Before(end) && len(seen) < maxEvents; cycleStart = cycleStart.Add(cycle) {
					for _, period := range p.ChargingSchedule.ChargingSchedulePeriod {
						add(cycleStart.Add(time.Duration(period.StartPeriod) * time.Second))
					}
					add(cycleStart.Add(cycle))
				}
			} else {
				for _, period := range p.ChargingSchedule.ChargingSchedulePeriod {
					add(origin.Add(time.Duration(period.StartPeriod) * time.Second))
				}
				if p.ChargingSchedule.Duration != nil {
					// elapsed等于duration时仍活动，失效点在下一秒
					add(origin.Add(time.Duration(*p.ChargingSchedule.Duration)*time.Second + time.Second))
				}
			}
		}
	}

	offsets := make([]int, 0, len(seen))
	for offset := range seen {
		offsets = append(offsets, offset)
	}
	sort.Ints(offsets)
	return offsets
}

// roundLimit 限值保留一位小数，避免浮点噪声阻碍段合并
func roundLimit(v float64) float64 {
	return math.Round(v*10) / 10
}

func ptrDateTime(t time.Time) *ocpp16.DateTime {
	dt := ocpp16.NewDateTime(t)
	return &dt
}
