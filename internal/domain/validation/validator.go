package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
)

// Validator OCPP消息验证器
type Validator struct {
	validate *validator.Validate
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Error 实现error接口
func (e ValidationError) Error() string {
	return e.Message
}

// ValidationErrors 验证错误集合
type ValidationErrors []ValidationError

// Error 实现error接口
func (e ValidationErrors) Error() string {
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Message)
	}
	return strings.Join(messages, "; ")
}

// NewValidator 创建新的验证器
func NewValidator() *Validator {
	validate := validator.New()
	registerCustomValidations(validate)
	return &Validator{validate: validate}
}

// ValidateStruct 验证结构体
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors ValidationErrors
	if validatorErrors, ok := err.(validator.ValidationErrors); ok {
		for _, validatorError := range validatorErrors {
			validationErrors = append(validationErrors, ValidationError{
				Field:   validatorError.Field(),
				Tag:     validatorError.Tag(),
				Value:   fmt.Sprintf("%v", validatorError.Value()),
				Message: getErrorMessage(validatorError),
			})
		}
		return validationErrors
	}
	return err
}

// ValidateChargingProfile 验证充电配置文件的结构约束
// startPeriod必须严格递增且首个为0起、limit非负
func (v *Validator) ValidateChargingProfile(profile *ocpp16.ChargingProfile) error {
	if err := v.ValidateStruct(profile); err != nil {
		return err
	}

	if !profile.ChargingProfilePurpose.IsValid() {
		return ValidationError{
			Field:   "chargingProfilePurpose",
			Tag:     "oneof",
			Value:   string(profile.ChargingProfilePurpose),
			Message: fmt.Sprintf("invalid charging profile purpose: %s", profile.ChargingProfilePurpose),
		}
	}

	if !profile.ChargingProfileKind.IsValid() {
		return ValidationError{
			Field:   "chargingProfileKind",
			Tag:     "oneof",
			Value:   string(profile.ChargingProfileKind),
			Message: fmt.Sprintf("invalid charging profile kind: %s", profile.ChargingProfileKind),
		}
	}

	if !profile.ChargingSchedule.ChargingRateUnit.IsValid() {
		return ValidationError{
			Field:   "chargingRateUnit",
			Tag:     "oneof",
			Value:   string(profile.ChargingSchedule.ChargingRateUnit),
			Message: fmt.Sprintf("invalid charging rate unit: %s", profile.ChargingSchedule.ChargingRateUnit),
		}
	}

	periods := profile.ChargingSchedule.ChargingSchedulePeriod
	if len(periods) == 0 {
		return ValidationError{
			Field:   "chargingSchedulePeriod",
			Tag:     "min",
			Message: "charging schedule must contain at least one period",
		}
	}

	prev := -1
	for i, period := range periods {
		if period.StartPeriod < 0 {
			return ValidationError{
				Field:   "startPeriod",
				Tag:     "min",
				Value:   fmt.Sprintf("%d", period.StartPeriod),
				Message: fmt.Sprintf("period %d: startPeriod must be >= 0", i),
			}
		}
		if period.StartPeriod <= prev {
			return ValidationError{
				Field:   "startPeriod",
				Tag:     "increasing",
				Value:   fmt.Sprintf("%d", period.StartPeriod),
				Message: fmt.Sprintf("period %d: startPeriod must be strictly increasing", i),
			}
		}
		if period.Limit < 0 {
			return ValidationError{
				Field:   "limit",
				Tag:     "min",
				Value:   fmt.Sprintf("%f", period.Limit),
				Message: fmt.Sprintf("period %d: limit must be >= 0", i),
			}
		}
		prev = period.StartPeriod
	}

	if profile.ValidFrom != nil && profile.ValidTo != nil && profile.ValidTo.Before(profile.ValidFrom.Time) {
		return ValidationError{
			Field:   "validTo",
			Tag:     "gtfield",
			Message: "validTo must not be before validFrom",
		}
	}

	return nil
}

// ValidateChargePointID 验证充电桩ID
func (v *Validator) ValidateChargePointID(chargePointID string) error {
	if chargePointID == "" {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "required",
			Message: "Charge point ID is required",
		}
	}

	if len(chargePointID) > 48 {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "max",
			Value:   chargePointID,
			Message: "Charge point ID must not exceed 48 characters",
		}
	}

	matched, _ := regexp.MatchString(`^[a-zA-Z0-9\-_]+$`, chargePointID)
	if !matched {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "format",
			Value:   chargePointID,
			Message: "Charge point ID can only contain alphanumeric characters, hyphens and underscores",
		}
	}

	return nil
}

// registerCustomValidations 注册自定义验证规则
func registerCustomValidations(validate *validator.Validate) {
	validate.RegisterValidation("ocpp_datetime", validateOCPPDateTime)
	validate.RegisterValidation("ocpp_id_token", validateOCPPIdToken)
}

// validateOCPPDateTime 验证OCPP日期时间格式
func validateOCPPDateTime(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // required标签负责必填验证
	}
	_, err := time.Parse(time.RFC3339, value)
	return err == nil
}

// validateOCPPIdToken 验证OCPP ID令牌
func validateOCPPIdToken(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	if len(value) > 20 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9\-]+$`, value)
	return matched
}

// getErrorMessage 获取友好的错误消息
func getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", fe.Field())
	case "min":
		return fmt.Sprintf("Field '%s' must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("Field '%s' must not exceed %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("Field '%s' must be one of [%s]", fe.Field(), fe.Param())
	case "ocpp_datetime":
		return fmt.Sprintf("Field '%s' must be a valid RFC3339 datetime", fe.Field())
	case "ocpp_id_token":
		return fmt.Sprintf("Field '%s' must be a valid ID token (max 20 characters)", fe.Field())
	default:
		return fmt.Sprintf("Field '%s' failed validation for tag '%s'", fe.Field(), fe.Tag())
	}
}
