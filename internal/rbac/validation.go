package rbac

import (
	"errors"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	roleCodePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the permcode and rolecode tags registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("permcode", func(fl validator.FieldLevel) bool {
			return ValidatePermissionFormat(NormalizePermissionCode(fl.Field().String())) == nil
		})
		_ = v.RegisterValidation("rolecode", func(fl validator.FieldLevel) bool {
			return ValidateRoleCode(fl.Field().String()) == nil
		})
		validate = v
	})
	return validate
}

// ValidateRoleCode checks a role code such as "system.org_admin" or "auditor".
func ValidateRoleCode(code string) error {
	if !roleCodePattern.MatchString(code) {
		return &ValidationError{Field: "code", Reason: "role code must be lowercase dot-separated segments", Codes: []string{code}}
	}
	return nil
}

// ValidateStruct runs struct tags and converts the first failure to a ValidationError.
func ValidateStruct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}
	first := fieldErrs[0]
	return &ValidationError{Field: first.Field(), Reason: "failed " + first.Tag() + " check"}
}
