package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/models"
)

// BirthDateLayout is the accepted birth date format
const BirthDateLayout = "2006-01-02"

var externalIDRegex = regexp.MustCompile(`^DZ-213-[0-9]{6}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("patientid", func(fl validator.FieldLevel) bool {
		return ValidateExternalID(fl.Field().String())
	})
	v.RegisterValidation("bloodtype", func(fl validator.FieldLevel) bool {
		return models.BloodType(fl.Field().String()).Valid()
	})
	v.RegisterValidation("birthdate", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(BirthDateLayout, fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// ValidateStruct validates a request struct against its validate tags and
// converts the first failure into a classified error.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.New(apperr.InvalidInput, "%v", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "bloodtype":
		return apperr.New(apperr.InvalidBloodType, "unrecognized blood type %q", fmt.Sprint(fe.Value()))
	case "required", "required_with", "notblank":
		return apperr.New(apperr.InvalidInput, "%s is required", fe.Namespace())
	case "patientid":
		return apperr.New(apperr.InvalidInput, "%s must match DZ-213-######", fe.Namespace())
	case "birthdate":
		return apperr.New(apperr.InvalidInput, "%s must be a %s date", fe.Namespace(), BirthDateLayout)
	case "gt":
		return apperr.New(apperr.InvalidInput, "%s must be greater than %s", fe.Namespace(), fe.Param())
	case "min":
		return apperr.New(apperr.InvalidInput, "%s must be at least %s", fe.Namespace(), fe.Param())
	default:
		return apperr.New(apperr.InvalidInput, "%s is invalid", fe.Namespace())
	}
}

// ValidateExternalID validates an external patient identifier
func ValidateExternalID(id string) bool {
	return externalIDRegex.MatchString(id)
}

// RequireNonBlank returns InvalidInput naming the first blank field.
// Pairs are given as name, value.
func RequireNonBlank(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return apperr.New(apperr.InvalidInput, "%s is required", pairs[i])
		}
	}
	return nil
}

// SanitizeString removes surrounding whitespace
func SanitizeString(input string) string {
	return strings.TrimSpace(input)
}
