package address

import (
	"reflect"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
)

// Validator checks addresses and customer info. It is safe for concurrent use.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator with the address-specific rules registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails on an empty tag or nil func.
	_ = v.RegisterValidation("postalcode_chars", func(fl validator.FieldLevel) bool {
		return onlyRunes(fl.Field().String(), func(r rune) bool {
			return r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == ' ' || r == '-'
		})
	})
	_ = v.RegisterValidation("phone_chars", func(fl validator.FieldLevel) bool {
		return onlyRunes(fl.Field().String(), func(r rune) bool {
			return r >= '0' && r <= '9' || strings.ContainsRune("+-() ", r)
		})
	})
	return &Validator{v: v}
}

// Validate normalizes a and checks it. The normalized address is returned on
// success; otherwise the error is an *InvalidAddressError.
func (v *Validator) Validate(a Address) (Address, error) {
	n := a.Normalize()
	if err := v.v.Struct(n); err != nil {
		return Address{}, toInvalid(err)
	}
	return n, nil
}

// ValidateCustomer normalizes c and checks it.
func (v *Validator) ValidateCustomer(c Customer) (Customer, error) {
	n := c.Normalize()
	if err := v.v.Struct(n); err != nil {
		return Customer{}, toInvalid(err)
	}
	return n, nil
}

func toInvalid(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return errors.Wrap(err, "validate")
	}
	fe := ve[0]
	return &InvalidAddressError{Field: fe.Field(), Reason: reasonFor(fe.Tag())}
}

func reasonFor(tag string) string {
	switch tag {
	case "required", "required_without":
		return ReasonRequired
	case "min":
		return ReasonTooShort
	case "max":
		return ReasonTooLong
	default:
		return ReasonInvalidFormat
	}
}

func onlyRunes(s string, ok func(rune) bool) bool {
	for _, r := range s {
		if !ok(r) {
			return false
		}
	}
	return true
}
