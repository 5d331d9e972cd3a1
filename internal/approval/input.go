package approval

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/complement/model"
)

// CreateInput is a requester's submission.
type CreateInput struct {
	WorkOrderID   int64           `json:"work_order_id" validate:"required,gt=0"`
	PricingUnitID int64           `json:"pricing_unit_id" validate:"required,gt=0"`
	UnitPrice     decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Quantity      int             `json:"quantity" validate:"required,gt=0"`
	RequesterID   int64           `json:"requester_id" validate:"required,gt=0"`
	RequesterName string          `json:"requester_name" validate:"max=255"`
	Justification string          `json:"justification" validate:"max=4000"`
}

// CoordinatorInput is the coordinator's reviewed proposal. The approved
// fields replace the stored ones, absent values included.
type CoordinatorInput struct {
	ApproverID    int64   `json:"approver_id" validate:"required,gt=0"`
	PricingUnitID *int64  `json:"pricing_unit_id" validate:"omitempty,gt=0"`
	Quantity      *int    `json:"quantity" validate:"omitempty,gt=0"`
	BOQ           *string `json:"boq"`
	RecordStatus  *string `json:"record_status" validate:"omitempty,max=64"`
	Justification string  `json:"justification" validate:"max=4000"`
	// StagedEdits replaces the stored staged edits only when present.
	StagedEdits *string `json:"staged_edits"`
}

// ControllerInput carries the controller's optional overrides. Only present
// values replace the stored ones.
type ControllerInput struct {
	ApproverID    int64   `json:"approver_id" validate:"required,gt=0"`
	PricingUnitID *int64  `json:"pricing_unit_id" validate:"omitempty,gt=0"`
	Quantity      *int    `json:"quantity" validate:"omitempty,gt=0"`
	BOQ           *string `json:"boq"`
	RecordStatus  *string `json:"record_status" validate:"omitempty,max=64"`
	StagedEdits   *string `json:"staged_edits"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// validateStruct converts validator failures into a VALIDATION_ERROR.
func validateStruct(v *validator.Validate, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, model.FieldError{
			Field:   fe.Field(),
			Code:    strings.ToUpper(fe.Tag()),
			Message: fieldMessage(fe),
		})
	}
	return model.NewValidationError(details)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gt":
		return fe.Field() + " must be greater than " + fe.Param()
	case "gte":
		return fe.Field() + " must be at least " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	}
	return fe.Field() + " is invalid"
}

// requireReason rejects a blank rejection or return reason.
func requireReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", model.NewFieldValidationError("reason", "REQUIRED", "reason is required")
	}
	return reason, nil
}

// checkStagedEdits validates a staged edits payload when one is given.
func checkStagedEdits(raw *string) error {
	if raw == nil {
		return nil
	}
	_, err := model.ParseStagedEdits(*raw)
	return err
}
