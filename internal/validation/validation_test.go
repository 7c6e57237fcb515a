package validation

import "testing"

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  int64
		valid bool
	}{
		{name: "space thousands", raw: "6 480", want: 6480, valid: true},
		{name: "comma decimals", raw: "6480,00", want: 6480, valid: true},
		{name: "plain", raw: "6480", want: 6480, valid: true},
		{name: "nbsp thousands", raw: "6\u00a0480", want: 6480, valid: true},
		{name: "narrow nbsp and comma decimals", raw: "12\u202f300,00", want: 12300, valid: true},
		{name: "dot decimals", raw: "6480.00", want: 6480, valid: true},
		{name: "comma thousands", raw: "6,480", want: 6480, valid: true},
		{name: "mixed separators", raw: "1.234.567,00", want: 1234567, valid: true},
		{name: "us style", raw: "1,234,567.00", want: 1234567, valid: true},
		{name: "zero kopecks after dot", raw: "1500.0", want: 1500, valid: true},
		{name: "kopecks", raw: "99,50", valid: false},
		{name: "kopecks near whole ruble", raw: "6480,99", valid: false},
		{name: "half ruble", raw: "0,5", valid: false},
		{name: "long fraction", raw: "1,2345", valid: false},
		{name: "empty", raw: "", valid: false},
		{name: "letters", raw: "abc", valid: false},
		{name: "negative", raw: "-5", valid: false},
		{name: "zero", raw: "0", valid: false},
		{name: "zero with kopecks", raw: "0,00", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePrice(tt.raw)
			if tt.valid {
				if err != nil {
					t.Fatalf("NormalizePrice(%q) error: %v", tt.raw, err)
				}
				if got != tt.want {
					t.Fatalf("NormalizePrice(%q) = %d, want %d", tt.raw, got, tt.want)
				}
				return
			}
			if err == nil {
				t.Fatalf("NormalizePrice(%q) = %d, want error", tt.raw, got)
			}
			if !IsValidationError(err) {
				t.Fatalf("NormalizePrice(%q) error type = %T, want *Error", tt.raw, err)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  string
		valid bool
	}{
		{name: "international", raw: "+7 (999) 123-45-67", want: "79991234567", valid: true},
		{name: "leading eight", raw: "89991234567", want: "79991234567", valid: true},
		{name: "ten digits", raw: "9991234567", want: "79991234567", valid: true},
		{name: "too short", raw: "12345", valid: false},
		{name: "twelve digits", raw: "+7 999 123 45 678", valid: false},
		{name: "foreign eleven digits", raw: "+1 202 555 01 23", valid: false},
		{name: "international fifteen digits", raw: "+44 20 7946 0958 123", valid: false},
		{name: "empty", raw: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.raw)
			if tt.valid != (err == nil) {
				t.Fatalf("NormalizePhone(%q) error = %v, valid = %v", tt.raw, err, tt.valid)
			}
			if got != tt.want {
				t.Fatalf("NormalizePhone(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

type purchaseForm struct {
	ServiceID string `json:"service_id" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
}

func TestStruct(t *testing.T) {
	err := Struct(purchaseForm{ServiceID: "svc1", Email: "a@b.com"})
	if err != nil {
		t.Fatalf("Struct error: %v", err)
	}

	err = Struct(purchaseForm{Email: "a@b.com"})
	ve, ok := err.(*Error)
	if !ok {
		t.Fatalf("Struct error type = %T, want *Error", err)
	}
	if ve.Field != "service_id" {
		t.Fatalf("Field = %q, want service_id", ve.Field)
	}

	err = Struct(purchaseForm{ServiceID: "svc1", Email: "not-an-email"})
	ve, ok = err.(*Error)
	if !ok || ve.Field != "email" {
		t.Fatalf("unexpected error for bad email: %v", err)
	}
}
