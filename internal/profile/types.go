package profile

import (
	"time"

	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
)

// Config 配置文件引擎参数
type Config struct {
	VoltageV       float64 // A->W换算电压
	DefaultPhases  int     // numberPhases缺省相数
	MaxPowerW      float64 // 物理上限，限值永远不超过它
	MaxProfiles    int     // 每个会话的配置文件上限
	StrictStacking bool    // true时仅驱逐相同stackLevel的同用途配置文件
}

// DefaultConfig 默认引擎参数
func DefaultConfig() Config {
	return Config{
		VoltageV:      230,
		DefaultPhases: 1,
		MaxPowerW:     22000,
		MaxProfiles:   16,
	}
}

// StoredProfile 已接受的配置文件及其接受时间
// 配置文件一经存入不再修改，替换时整体换新
type StoredProfile struct {
	Profile    ocpp16.ChargingProfile
	AcceptedAt time.Time
}

// Limit 有效限值快照
type Limit struct {
	LimitW       float64                       // 换算后的瓦数
	RawLimit     float64                       // 计划中声明的原始限值
	Unit         ocpp16.ChargingRateUnit       // 原始限值单位
	ProfileID    int                           // 来源配置文件，0表示物理默认
	Purpose      ocpp16.ChargingProfilePurpose // 来源用途
	StackLevel   int
	NumberPhases *int     // 活动段声明的相数，nil时用连接器默认
	NextChangeIn *int     // 距下一次限值变化的秒数
	NextLimitW   *float64 // 下一段的瓦数
	Default      bool     // true表示无活动配置文件，取物理上限
}

// ClearCriteria 清除条件，全部为可选，提供的条件必须全部匹配
type ClearCriteria struct {
	ID          *int
	ConnectorID *int
	Purpose     *ocpp16.ChargingProfilePurpose
	StackLevel  *int
}

// SetStatus 配置文件接受结果
type SetStatus string

const (
	SetAccepted SetStatus = "Accepted"
	SetRejected SetStatus = "Rejected"
)

// purposePriority 用途优先级，数值越大越优先
func purposePriority(p ocpp16.ChargingProfilePurpose) int {
	switch p {
	case ocpp16.ChargingProfilePurposeTxProfile:
		return 3
	case ocpp16.ChargingProfilePurposeTxDefaultProfile:
		return 2
	case ocpp16.ChargingProfilePurposeChargePointMaxProfile:
		return 1
	default:
		return 0
	}
}
