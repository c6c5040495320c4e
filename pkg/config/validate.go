package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// MaxResourceNameLength bounds resource names. RE2 caps repeat counts at
// 1000, so the length is checked apart from the pattern.
const MaxResourceNameLength = 1024

var resourceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][-_a-zA-Z0-9]*$`)

// ValidResourceName reports whether name is a valid resource name.
func ValidResourceName(name string) bool {
	return len(name) <= MaxResourceNameLength && resourceNamePattern.MatchString(name)
}

// Validator returns the shared validator. Besides the builtin tags it knows
// "resourcename" (at most 1024 letters, digits, '-' and '_', not starting
// with a separator).
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		if err := v.RegisterValidation("resourcename", func(fl validator.FieldLevel) bool {
			return ValidResourceName(fl.Field().String())
		}); err != nil {
			panic(fmt.Sprintf("failed to register resourcename validation: %v", err))
		}
		validate = v
	})
	return validate
}

// ValidateStruct validates v and flattens field errors into one message.
func ValidateStruct(v interface{}) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
