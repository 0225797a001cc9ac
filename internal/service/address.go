package service

import (
	"regexp"
	"strings"

	"storefront/internal/models"
)

// postalFormats holds per-country postal code shapes. Countries not listed
// fall back to a permissive check.
var postalFormats = map[string]*regexp.Regexp{
	"ES": regexp.MustCompile(`^\d{5}$`),
	"FR": regexp.MustCompile(`^\d{5}$`),
	"DE": regexp.MustCompile(`^\d{5}$`),
	"IT": regexp.MustCompile(`^\d{5}$`),
	"PT": regexp.MustCompile(`^\d{4}-\d{3}$`),
	"NL": regexp.MustCompile(`^\d{4}\s?[A-Z]{2}$`),
	"RO": regexp.MustCompile(`^\d{6}$`),
	"MD": regexp.MustCompile(`^(MD-)?\d{4}$`),
	"GB": regexp.MustCompile(`^[A-Z]{1,2}\d[A-Z\d]?\s?\d[A-Z]{2}$`),
	"US": regexp.MustCompile(`^\d{5}(-\d{4})?$`),
}

var genericPostal = regexp.MustCompile(`^[A-Z0-9][A-Z0-9\- ]{1,9}$`)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// AddressValidator checks completeness and format of shipping and billing
// addresses. Validate normalizes the address in place: surrounding
// whitespace trimmed, country and postal code uppercased.
type AddressValidator struct{}

func NewAddressValidator() *AddressValidator {
	return &AddressValidator{}
}

// Normalize trims every field and uppercases country and postal code.
func (v *AddressValidator) Normalize(addr *models.Address) {
	addr.FirstName = strings.TrimSpace(addr.FirstName)
	addr.LastName = strings.TrimSpace(addr.LastName)
	addr.Company = strings.TrimSpace(addr.Company)
	addr.Street = strings.TrimSpace(addr.Street)
	addr.City = strings.TrimSpace(addr.City)
	addr.Province = strings.TrimSpace(addr.Province)
	addr.Phone = strings.TrimSpace(addr.Phone)
	addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))
	addr.PostalCode = strings.ToUpper(strings.TrimSpace(addr.PostalCode))
}

// Validate normalizes the address and returns a *ValidationError listing
// every offending field, or nil when the address is usable.
func (v *AddressValidator) Validate(addr *models.Address) error {
	v.Normalize(addr)

	var fields []FieldError
	require := func(name, value string) {
		if value == "" {
			fields = append(fields, FieldError{Field: name, Code: "required", Message: name + " is required"})
		}
	}
	require("first_name", addr.FirstName)
	require("last_name", addr.LastName)
	require("street", addr.Street)
	require("city", addr.City)
	require("postal_code", addr.PostalCode)
	require("country", addr.Country)

	if addr.Country != "" && len(addr.Country) != 2 {
		fields = append(fields, FieldError{Field: "country", Code: "format", Message: "country must be a two-letter ISO code"})
	}
	if addr.PostalCode != "" && !validPostalCode(addr.Country, addr.PostalCode) {
		fields = append(fields, FieldError{Field: "postal_code", Code: "format", Message: "postal code does not match the country format"})
	}

	if len(fields) > 0 {
		return &ValidationError{Step: "shipping", Fields: fields}
	}
	return nil
}

// HasRateFields reports whether the address carries enough to quote
// shipping rates: country, postal code and city.
func (v *AddressValidator) HasRateFields(addr *models.Address) bool {
	return addr != nil &&
		strings.TrimSpace(addr.Country) != "" &&
		strings.TrimSpace(addr.PostalCode) != "" &&
		strings.TrimSpace(addr.City) != ""
}

// ValidateEmail checks a guest checkout email.
func (v *AddressValidator) ValidateEmail(email string) error {
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		return &ValidationError{Step: "shipping", Fields: []FieldError{
			{Field: "guest_email", Code: "format", Message: "valid email required for guest checkout"},
		}}
	}
	return nil
}

func validPostalCode(country, code string) bool {
	if re, ok := postalFormats[country]; ok {
		return re.MatchString(code)
	}
	return genericPostal.MatchString(code)
}
