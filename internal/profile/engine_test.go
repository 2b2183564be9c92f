package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
)

func testConfig() Config {
	return Config{
		VoltageV:      230,
		DefaultPhases: 3,
		MaxPowerW:     22000,
		MaxProfiles:   16,
	}
}

func wattsProfile(id, stackLevel int, purpose ocpp16.ChargingProfilePurpose, limit float64) ocpp16.ChargingProfile {
	return ocpp16.ChargingProfile{
		ChargingProfileId:      id,
		StackLevel:             stackLevel,
		ChargingProfilePurpose: purpose,
		ChargingProfileKind:    ocpp16.ChargingProfileKindAbsolute,
		ChargingSchedule: ocpp16.ChargingSchedule{
			ChargingRateUnit: ocpp16.ChargingRateUnitW,
			ChargingSchedulePeriod: []ocpp16.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: limit},
			},
		},
	}
}

func TestDefaultConfigSinglePhase(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1, cfg.DefaultPhases)
	assert.Equal(t, 230.0, cfg.VoltageV)
	assert.Equal(t, 22000.0, cfg.MaxPowerW)
}

func TestSetRejectsInvalidProfiles(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(*ocpp16.ChargingProfile)
	}{
		{name: "zero id", mutate: func(p *ocpp16.ChargingProfile) { p.ChargingProfileId = 0 }},
		{name: "negative stack level", mutate: func(p *ocpp16.ChargingProfile) { p.StackLevel = -1 }},
		{name: "bad purpose", mutate: func(p *ocpp16.ChargingProfile) { p.ChargingProfilePurpose = "Bogus" }},
		{name: "bad kind", mutate: func(p *ocpp16.ChargingProfile) { p.ChargingProfileKind = "Sometimes" }},
		{name: "bad unit", mutate: func(p *ocpp16.ChargingProfile) { p.ChargingSchedule.ChargingRateUnit = "kW" }},
		{name: "no periods", mutate: func(p *ocpp16.ChargingProfile) { p.ChargingSchedule.ChargingSchedulePeriod = nil }},
		{name: "negative limit", mutate: func(p *ocpp16.ChargingProfile) {
			p.ChargingSchedule.ChargingSchedulePeriod[0].Limit = -1
		}},
		{name: "non increasing periods", mutate: func(p *ocpp16.ChargingProfile) {
			p.ChargingSchedule.ChargingSchedulePeriod = []ocpp16.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: 1000},
				{StartPeriod: 0, Limit: 2000},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 7000)
			tt.mutate(&p)
			assert.Equal(t, SetRejected, e.Set(1, p, now))
		})
	}
}

func TestStackingEviction(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// stack=0接受后，stack=1的配置文件接管
	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 5000), now))
	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(2, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, 8000), now))

	limit := e.EffectiveLimit(1, now.Add(time.Second))
	assert.Equal(t, 2, limit.ProfileID)
	assert.Equal(t, 8000.0, limit.LimitW)

	// id=1已被stack=1驱逐；再来一个stack=0只影响更低层级，id=2仍然获胜
	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(3, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 3000), now))
	_, stillThere := e.Get(1, 2)
	assert.True(t, stillThere)
	limit = e.EffectiveLimit(1, now.Add(time.Second))
	assert.Equal(t, 2, limit.ProfileID)

	// 相同(purpose, stackLevel)后到者获胜
	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(4, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, 9000), now))
	_, evicted := e.Get(1, 2)
	assert.False(t, evicted)
	limit = e.EffectiveLimit(1, now.Add(time.Second))
	assert.Equal(t, 4, limit.ProfileID)
}

func TestStrictStackingKeepsLowerLevels(t *testing.T) {
	cfg := testConfig()
	cfg.StrictStacking = true
	e := NewEngine(cfg)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 5000), now))
	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(2, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, 8000), now))

	// 严格模式下stack=0保留
	_, kept := e.Get(1, 1)
	assert.True(t, kept)
}

func TestPurposePriority(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(1, 5, ocpp16.ChargingProfilePurposeChargePointMaxProfile, 11000), now))
	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(2, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 7000), now))

	// TxDefault优先于ChargePointMax，即使stackLevel更低
	limit := e.EffectiveLimit(1, now.Add(time.Second))
	assert.Equal(t, 2, limit.ProfileID)
	assert.Equal(t, 7000.0, limit.LimitW)
}

func TestTxProfileRequiresTransaction(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// 带transactionId但无活动交易 -> 拒绝
	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxProfile, 7000)
	txID := 42
	p.TransactionId = &txID
	assert.Equal(t, SetRejected, e.Set(1, p, now))

	// 不带transactionId -> 临时接受，StartTransaction时绑定
	provisional := wattsProfile(2, 0, ocpp16.ChargingProfilePurposeTxProfile, 7000)
	require.Equal(t, SetAccepted, e.Set(1, provisional, now))

	// 交易开始前不产生限值
	limit := e.EffectiveLimit(1, now.Add(time.Second))
	assert.True(t, limit.Default)

	e.StartTransaction(1, 42, now.Add(2*time.Second))
	stored, ok := e.Get(1, 2)
	require.True(t, ok)
	require.NotNil(t, stored.Profile.TransactionId)
	assert.Equal(t, 42, *stored.Profile.TransactionId)

	limit = e.EffectiveLimit(1, now.Add(3*time.Second))
	assert.Equal(t, 2, limit.ProfileID)
	assert.Equal(t, 7000.0, limit.LimitW)

	// 交易结束时TxProfile被移除
	removed := e.EndTransaction(1)
	assert.Equal(t, []int{2}, removed)
	limit = e.EffectiveLimit(1, now.Add(4*time.Second))
	assert.True(t, limit.Default)
}

func TestClearByCriteria(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 5000), now))
	e.StartTransaction(1, 7, now)
	txProfile := wattsProfile(2, 0, ocpp16.ChargingProfilePurposeTxProfile, 7000)
	txID := 7
	txProfile.TransactionId = &txID
	require.Equal(t, SetAccepted, e.Set(1, txProfile, now))

	purpose := ocpp16.ChargingProfilePurposeTxDefaultProfile
	cleared := e.Clear(ClearCriteria{Purpose: &purpose})
	assert.Equal(t, []int{1}, cleared)

	// 同样的条件再清一次，没有匹配
	cleared = e.Clear(ClearCriteria{Purpose: &purpose})
	assert.Empty(t, cleared)

	// 空条件清除剩余全部
	cleared = e.Clear(ClearCriteria{})
	assert.Equal(t, []int{2}, cleared)
}

func TestAmpereConversion(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 16)
	p.ChargingSchedule.ChargingRateUnit = ocpp16.ChargingRateUnitA
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	// 16A x 230V x 3相 = 11040W
	limit := e.EffectiveLimit(1, now.Add(time.Second))
	assert.Equal(t, 11040.0, limit.LimitW)
	assert.Equal(t, 16.0, limit.RawLimit)
	assert.Equal(t, ocpp16.ChargingRateUnitA, limit.Unit)

	// numberPhases=1覆盖连接器默认相数
	phases := 1
	single := wattsProfile(2, 1, ocpp16.ChargingProfilePurposeTxDefaultProfile, 16)
	single.ChargingSchedule.ChargingRateUnit = ocpp16.ChargingRateUnitA
	single.ChargingSchedule.ChargingSchedulePeriod[0].NumberPhases = &phases
	require.Equal(t, SetAccepted, e.Set(1, single, now))

	limit = e.EffectiveLimit(1, now.Add(time.Second))
	assert.Equal(t, 3680.0, limit.LimitW)
}

func TestLimitClampedToMaxPower(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 50000), now))

	limit := e.EffectiveLimit(1, now.Add(time.Second))
	assert.Equal(t, 22000.0, limit.LimitW)
}

func TestValidityWindow(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 7000)
	from := ocpp16.NewDateTime(now.Add(time.Hour))
	p.ValidFrom = &from
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	// validFrom在未来 -> 不活动
	assert.True(t, e.EffectiveLimit(1, now.Add(time.Minute)).Default)
	// validFrom已到 -> 活动
	assert.Equal(t, 7000.0, e.EffectiveLimit(1, now.Add(2*time.Hour)).LimitW)

	expiring := wattsProfile(2, 5, ocpp16.ChargingProfilePurposeTxDefaultProfile, 4000)
	to := ocpp16.NewDateTime(now.Add(3 * time.Hour))
	expiring.ValidTo = &to
	require.Equal(t, SetAccepted, e.Set(1, expiring, now))

	// validTo恰好等于now -> 不活动
	limit := e.EffectiveLimit(1, now.Add(3*time.Hour))
	assert.NotEqual(t, 2, limit.ProfileID)
}

func TestMultiPeriodScheduleAndNextChange(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 10000)
	start := ocpp16.NewDateTime(now)
	p.ChargingSchedule.StartSchedule = &start
	p.ChargingSchedule.ChargingSchedulePeriod = []ocpp16.ChargingSchedulePeriod{
		{StartPeriod: 0, Limit: 10000},
		{StartPeriod: 300, Limit: 6000},
		{StartPeriod: 600, Limit: 3000},
	}
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	limit := e.EffectiveLimit(1, now.Add(100*time.Second))
	assert.Equal(t, 10000.0, limit.LimitW)
	require.NotNil(t, limit.NextChangeIn)
	assert.Equal(t, 200, *limit.NextChangeIn)
	require.NotNil(t, limit.NextLimitW)
	assert.Equal(t, 6000.0, *limit.NextLimitW)

	limit = e.EffectiveLimit(1, now.Add(400*time.Second))
	assert.Equal(t, 6000.0, limit.LimitW)

	// 最后一段没有下一次变化
	limit = e.EffectiveLimit(1, now.Add(700*time.Second))
	assert.Equal(t, 3000.0, limit.LimitW)
	assert.Nil(t, limit.NextChangeIn)
}

func TestRelativeProfileFollowsTransaction(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 10000)
	p.ChargingProfileKind = ocpp16.ChargingProfileKindRelative
	p.ChargingSchedule.ChargingSchedulePeriod = []ocpp16.ChargingSchedulePeriod{
		{StartPeriod: 0, Limit: 10000},
		{StartPeriod: 600, Limit: 5000},
	}
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	// 无交易 -> 无限值
	assert.True(t, e.EffectiveLimit(1, now.Add(time.Second)).Default)

	txStart := now.Add(time.Minute)
	e.StartTransaction(1, 1, txStart)

	assert.Equal(t, 10000.0, e.EffectiveLimit(1, txStart.Add(100*time.Second)).LimitW)
	assert.Equal(t, 5000.0, e.EffectiveLimit(1, txStart.Add(700*time.Second)).LimitW)
}

func TestRecurringDailyCrossesMidnight(t *testing.T) {
	e := NewEngine(testConfig())
	accepted := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 10000)
	p.ChargingProfileKind = ocpp16.ChargingProfileKindRecurring
	daily := ocpp16.RecurrencyKindDaily
	p.RecurrencyKind = &daily
	start := ocpp16.NewDateTime(time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC))
	p.ChargingSchedule.StartSchedule = &start
	p.ChargingSchedule.ChargingSchedulePeriod = []ocpp16.ChargingSchedulePeriod{
		{StartPeriod: 0, Limit: 3000},     // 22:00起夜间限制
		{StartPeriod: 28800, Limit: 10000}, // 06:00恢复
	}
	require.Equal(t, SetAccepted, e.Set(1, p, accepted))

	// 次日凌晨02:00，原点对齐到前一天22:00
	night := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, 3000.0, e.EffectiveLimit(1, night).LimitW)

	// 次日08:00落入恢复段
	morning := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, 10000.0, e.EffectiveLimit(1, morning).LimitW)
}

func TestRecurringWeekly(t *testing.T) {
	e := NewEngine(testConfig())
	// 2026-01-05是周一
	start := ocpp16.NewDateTime(time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC))
	accepted := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 6000)
	p.ChargingProfileKind = ocpp16.ChargingProfileKindRecurring
	weekly := ocpp16.RecurrencyKindWeekly
	p.RecurrencyKind = &weekly
	p.ChargingSchedule.StartSchedule = &start
	duration := 3600
	p.ChargingSchedule.Duration = &duration
	require.Equal(t, SetAccepted, e.Set(1, p, accepted))

	// 下周一08:30落在周期内
	nextMonday := time.Date(2026, 1, 12, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, 6000.0, e.EffectiveLimit(1, nextMonday).LimitW)
}

func TestAbsoluteDurationExpiry(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 7000)
	start := ocpp16.NewDateTime(now)
	p.ChargingSchedule.StartSchedule = &start
	duration := 600
	p.ChargingSchedule.Duration = &duration
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	// duration刚好等于elapsed仍然活动
	assert.Equal(t, 7000.0, e.EffectiveLimit(1, now.Add(600*time.Second)).LimitW)
	// 超过后失效
	assert.True(t, e.EffectiveLimit(1, now.Add(601*time.Second)).Default)

	// 清扫器移除它
	expired := e.Sweep(now.Add(700 * time.Second))
	assert.Equal(t, map[int][]int{1: {1}}, expired)
	_, ok := e.Get(1, 1)
	assert.False(t, ok)
}

func TestSweepRemovesPastValidTo(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 7000)
	to := ocpp16.NewDateTime(now.Add(time.Hour))
	p.ValidTo = &to
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	assert.Nil(t, e.Sweep(now.Add(30*time.Minute)))

	expired := e.Sweep(now.Add(2 * time.Hour))
	assert.Equal(t, map[int][]int{1: {1}}, expired)
}

func TestRecomputePublishesOnlyOnChange(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_, changed := e.RecomputeLimit(1, now)
	assert.True(t, changed) // 首次发布

	_, changed = e.RecomputeLimit(1, now.Add(time.Second))
	assert.False(t, changed)

	require.Equal(t, SetAccepted, e.Set(1, wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 7000), now))
	limit, changed := e.RecomputeLimit(1, now.Add(2*time.Second))
	assert.True(t, changed)
	assert.Equal(t, 7000.0, limit.LimitW)
}
