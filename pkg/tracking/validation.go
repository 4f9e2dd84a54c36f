package tracking

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/travigo/fleettrack/pkg/model"
)

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	return validate
}

func fieldMessage(fieldError validator.FieldError) string {
	switch fieldError.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fieldError.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fieldError.Param())
	default:
		return fmt.Sprintf("failed %s validation", fieldError.Tag())
	}
}

// validateSample converts validator failures into a ValidationError naming the
// offending fields by their JSON names.
func (c *Coordinator) validateSample(sample *model.LocationSample) error {
	err := c.validate.Struct(sample)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return model.NewValidationError("sample", err.Error())
	}

	validationErr := &model.ValidationError{}
	for _, fieldError := range fieldErrors {
		validationErr.Add(fieldError.Field(), fieldMessage(fieldError))
	}
	return validationErr
}
