// Package address normalizes and validates shipping, billing and customer
// contact details before an order may be created.
package address

import (
	"fmt"
	"strings"
)

// Address is a postal address. Either Line1 or Street must be set.
type Address struct {
	FullName   string `json:"fullName" validate:"required,max=200"`
	Line1      string `json:"line1" validate:"required_without=Street,max=300"`
	Street     string `json:"street" validate:"required_without=Line1,max=300"`
	Line2      string `json:"line2,omitempty" validate:"max=300"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state" validate:"required,max=100"`
	PostalCode string `json:"postalCode" validate:"required,min=3,max=20,postalcode_chars"`
	Country    string `json:"country" validate:"required,max=100"`
	Phone      string `json:"phone" validate:"required,min=7,max=20,phone_chars"`
}

// Street1 returns the first street line, whichever field carried it.
func (a Address) Street1() string {
	if a.Line1 != "" {
		return a.Line1
	}
	return a.Street
}

// IsZero reports whether no field is set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Normalize trims every field, collapses the street aliases into Line1 and
// upper-cases the postal code.
func (a Address) Normalize() Address {
	out := Address{
		FullName:   strings.TrimSpace(a.FullName),
		Line1:      strings.TrimSpace(a.Line1),
		Street:     strings.TrimSpace(a.Street),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		PostalCode: strings.ToUpper(strings.TrimSpace(a.PostalCode)),
		Country:    strings.TrimSpace(a.Country),
		Phone:      strings.TrimSpace(a.Phone),
	}
	if out.Line1 == "" {
		out.Line1 = out.Street
	}
	out.Street = ""
	return out
}

// Customer is the contact person for an order.
type Customer struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email,max=254"`
	Phone string `json:"phone,omitempty" validate:"omitempty,min=7,max=20,phone_chars"`
}

// Normalize trims every field and lower-cases the email.
func (c Customer) Normalize() Customer {
	return Customer{
		Name:  strings.TrimSpace(c.Name),
		Email: strings.ToLower(strings.TrimSpace(c.Email)),
		Phone: strings.TrimSpace(c.Phone),
	}
}

// Reasons reported by InvalidAddressError.
const (
	ReasonRequired      = "required"
	ReasonTooShort      = "too_short"
	ReasonTooLong       = "too_long"
	ReasonInvalidFormat = "invalid_format"
)

// InvalidAddressError reports the first field that failed validation.
type InvalidAddressError struct {
	Field  string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
