package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	errors "github.com/frahmantamala/restaurant-pos/internal"
)

type ValidatorFunc func(interface{}) *errors.AppError

type FieldValidator struct {
	FieldName  string
	Value      interface{}
	Validators []ValidatorFunc
}

type ValidationBuilder struct {
	fields []FieldValidator
}

func NewValidator() *ValidationBuilder {
	return &ValidationBuilder{
		fields: make([]FieldValidator, 0),
	}
}

func (v *ValidationBuilder) Field(name string, value interface{}) *FieldValidator {
	fv := FieldValidator{
		FieldName:  name,
		Value:      value,
		Validators: make([]ValidatorFunc, 0),
	}
	v.fields = append(v.fields, fv)
	return &v.fields[len(v.fields)-1]
}

func (fv *FieldValidator) fail(message string, code errors.ErrorCode) *errors.AppError {
	return errors.NewValidationFieldError(fv.FieldName, message, code)
}

func (fv *FieldValidator) Required() *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		switch v := value.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return fv.fail(fmt.Sprintf("%s is required", fv.FieldName), errors.ErrCodeInvalidRequest)
			}
		case *string:
			if v == nil || *v == "" {
				return fv.fail(fmt.Sprintf("%s is required", fv.FieldName), errors.ErrCodeInvalidRequest)
			}
		case decimal.Decimal:
			if v.IsZero() {
				return fv.fail(fmt.Sprintf("%s is required", fv.FieldName), errors.ErrCodeInvalidRequest)
			}
		}
		return nil
	})
	return fv
}

// Positive rejects zero and negative decimal amounts.
func (fv *FieldValidator) Positive(code errors.ErrorCode) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		if v, ok := value.(decimal.Decimal); ok && !v.IsPositive() {
			return fv.fail(fmt.Sprintf("%s must be greater than zero", fv.FieldName), code)
		}
		return nil
	})
	return fv
}

func (fv *FieldValidator) NonNegative(code errors.ErrorCode) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		if v, ok := value.(decimal.Decimal); ok && v.IsNegative() {
			return fv.fail(fmt.Sprintf("%s must not be negative", fv.FieldName), code)
		}
		return nil
	})
	return fv
}

// Max rejects decimal amounts above limit.
func (fv *FieldValidator) Max(limit decimal.Decimal, code errors.ErrorCode) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		if v, ok := value.(decimal.Decimal); ok && v.GreaterThan(limit) {
			return fv.fail(fmt.Sprintf("%s must not exceed %s", fv.FieldName, limit.String()), code)
		}
		return nil
	})
	return fv
}

// Currency accepts ISO 4217 codes only.
func (fv *FieldValidator) Currency() *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		v, ok := value.(string)
		if !ok || v == "" {
			return nil
		}
		if len(v) != 3 {
			return fv.fail(fmt.Sprintf("%s must be a 3-letter ISO 4217 code", fv.FieldName), errors.ErrCodeInvalidCurrency)
		}
		if _, err := currency.ParseISO(v); err != nil {
			return fv.fail(fmt.Sprintf("%s %q is not a recognized currency", fv.FieldName, v), errors.ErrCodeInvalidCurrency)
		}
		return nil
	})
	return fv
}

// CurrencyScale rejects amounts with more decimals than the currency's minor unit allows.
// Trailing zeros are fine: "19.990" USD passes, "19.999" does not. An unknown currency is left
// to the Currency rule.
func (fv *FieldValidator) CurrencyScale(code string, errCode errors.ErrorCode) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		v, ok := value.(decimal.Decimal)
		if !ok {
			return nil
		}
		unit, err := currency.ParseISO(code)
		if err != nil {
			return nil
		}
		scale, _ := currency.Standard.Rounding(unit)
		if !v.Equal(v.Truncate(int32(scale))) {
			return fv.fail(fmt.Sprintf("%s has more than %d decimal places for %s", fv.FieldName, scale, code), errCode)
		}
		return nil
	})
	return fv
}

func (fv *FieldValidator) OneOf(allowed []string, code errors.ErrorCode) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		v, ok := value.(string)
		if !ok || v == "" {
			return nil
		}
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fv.fail(fmt.Sprintf("%s must be one of %s", fv.FieldName, strings.Join(allowed, ", ")), code)
	})
	return fv
}

func (fv *FieldValidator) MaxLength(max int) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		if v, ok := value.(string); ok {
			if len(v) > max {
				return fv.fail(fmt.Sprintf("%s must not exceed %d characters", fv.FieldName, max), errors.ErrCodeInvalidRequest)
			}
		}
		return nil
	})
	return fv
}

func (fv *FieldValidator) Custom(validator func(interface{}) *errors.AppError) *FieldValidator {
	fv.Validators = append(fv.Validators, validator)
	return fv
}

// Validate runs every field and folds all failures into one error carrying the first failure's code.
func (v *ValidationBuilder) Validate() *errors.AppError {
	var validationErrors []errors.ValidationError

	for _, field := range v.fields {
		for _, validator := range field.Validators {
			appErr := validator(field.Value)
			if appErr == nil {
				continue
			}
			if details, ok := appErr.Details.(errors.ValidationErrors); ok {
				validationErrors = append(validationErrors, details.Errors...)
				continue
			}
			validationErrors = append(validationErrors, errors.ValidationError{
				Field:   field.FieldName,
				Message: appErr.Message,
				Code:    string(appErr.Code),
			})
		}
	}

	if len(validationErrors) > 0 {
		return errors.NewValidationError("Validation failed", errors.ErrorCode(validationErrors[0].Code)).
			WithDetails(errors.ValidationErrors{Errors: validationErrors})
	}

	return nil
}
