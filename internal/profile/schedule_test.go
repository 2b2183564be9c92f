package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
)

func TestCompositeScheduleEmptyStore(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	schedule := e.CompositeSchedule(1, 10*time.Minute, ocpp16.ChargingRateUnitW, now)

	require.NotNil(t, schedule.Duration)
	assert.Equal(t, 600, *schedule.Duration)
	// 无活动配置文件时整个窗口为物理上限
	require.Len(t, schedule.ChargingSchedulePeriod, 1)
	assert.Equal(t, 0, schedule.ChargingSchedulePeriod[0].StartPeriod)
	assert.Equal(t, 22000.0, schedule.ChargingSchedulePeriod[0].Limit)
}

func TestCompositeScheduleSinglePeriodProfile(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 7000)
	start := ocpp16.NewDateTime(now)
	p.ChargingSchedule.StartSchedule = &start
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	schedule := e.CompositeSchedule(1, 10*time.Minute, ocpp16.ChargingRateUnitW, now)
	require.Len(t, schedule.ChargingSchedulePeriod, 1)
	assert.Equal(t, 7000.0, schedule.ChargingSchedulePeriod[0].Limit)
}

func TestCompositeScheduleSegments(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 10000)
	start := ocpp16.NewDateTime(now)
	p.ChargingSchedule.StartSchedule = &start
	p.ChargingSchedule.ChargingSchedulePeriod = []ocpp16.ChargingSchedulePeriod{
		{StartPeriod: 0, Limit: 10000},
		{StartPeriod: 300, Limit: 6000},
	}
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	schedule := e.CompositeSchedule(1, 10*time.Minute, ocpp16.ChargingRateUnitW, now)
	require.Len(t, schedule.ChargingSchedulePeriod, 2)
	assert.Equal(t, ocpp16.ChargingSchedulePeriod{StartPeriod: 0, Limit: 10000}, schedule.ChargingSchedulePeriod[0])
	assert.Equal(t, ocpp16.ChargingSchedulePeriod{StartPeriod: 300, Limit: 6000}, schedule.ChargingSchedulePeriod[1])
}

func TestCompositeScheduleProfileExpiryBoundary(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 7000)
	start := ocpp16.NewDateTime(now)
	p.ChargingSchedule.StartSchedule = &start
	duration := 300
	p.ChargingSchedule.Duration = &duration
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	schedule := e.CompositeSchedule(1, 10*time.Minute, ocpp16.ChargingRateUnitW, now)
	// 限制段之后回到物理上限，elapsed等于duration时仍活动
	require.Len(t, schedule.ChargingSchedulePeriod, 2)
	assert.Equal(t, 7000.0, schedule.ChargingSchedulePeriod[0].Limit)
	assert.Equal(t, 301, schedule.ChargingSchedulePeriod[1].StartPeriod)
	assert.Equal(t, 22000.0, schedule.ChargingSchedulePeriod[1].Limit)
}

func TestCompositeScheduleAmpereUnit(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 6900)
	start := ocpp16.NewDateTime(now)
	p.ChargingSchedule.StartSchedule = &start
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	schedule := e.CompositeSchedule(1, 5*time.Minute, ocpp16.ChargingRateUnitA, now)
	require.Len(t, schedule.ChargingSchedulePeriod, 1)
	// 6900W / (230V x 3相) = 10A
	assert.Equal(t, 10.0, schedule.ChargingSchedulePeriod[0].Limit)
	assert.Equal(t, ocpp16.ChargingRateUnitA, schedule.ChargingRateUnit)
}

func TestCompositeScheduleAmpereUnitUsesPeriodPhases(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 2300)
	start := ocpp16.NewDateTime(now)
	p.ChargingSchedule.StartSchedule = &start
	phases := 1
	p.ChargingSchedule.ChargingSchedulePeriod[0].NumberPhases = &phases
	require.Equal(t, SetAccepted, e.Set(1, p, now))

	schedule := e.CompositeSchedule(1, 5*time.Minute, ocpp16.ChargingRateUnitA, now)
	require.Len(t, schedule.ChargingSchedulePeriod, 1)
	// 段声明单相：2300W / (230V x 1相) = 10A，不用连接器默认的3相
	assert.Equal(t, 10.0, schedule.ChargingSchedulePeriod[0].Limit)
}

func TestCompositeScheduleMergesOverlappingProfiles(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	maxProfile := wattsProfile(1, 0, ocpp16.ChargingProfilePurposeChargePointMaxProfile, 11000)
	start := ocpp16.NewDateTime(now)
	maxProfile.ChargingSchedule.StartSchedule = &start
	require.Equal(t, SetAccepted, e.Set(1, maxProfile, now))

	// TxDefault在2分钟后生效，优先于ChargePointMax
	txDefault := wattsProfile(2, 0, ocpp16.ChargingProfilePurposeTxDefaultProfile, 5000)
	from := ocpp16.NewDateTime(now.Add(2 * time.Minute))
	txDefault.ValidFrom = &from
	startLater := ocpp16.NewDateTime(now.Add(2 * time.Minute))
	txDefault.ChargingSchedule.StartSchedule = &startLater
	require.Equal(t, SetAccepted, e.Set(1, txDefault, now))

	schedule := e.CompositeSchedule(1, 10*time.Minute, ocpp16.ChargingRateUnitW, now)
	require.Len(t, schedule.ChargingSchedulePeriod, 2)
	assert.Equal(t, 11000.0, schedule.ChargingSchedulePeriod[0].Limit)
	assert.Equal(t, 120, schedule.ChargingSchedulePeriod[1].StartPeriod)
	assert.Equal(t, 5000.0, schedule.ChargingSchedulePeriod[1].Limit)
}
