// Package validation содержит функции валидации и нормализации входных данных.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Error описывает ошибку во входных данных клиента. Сообщение можно показывать пользователю.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// IsValidationError сообщает, является ли err ошибкой входных данных.
func IsValidationError(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

const maxPrice = 1 << 40

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Struct проверяет структуру по тегам validate и возвращает первую найденную ошибку как *Error.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &Error{Message: "некорректный запрос"}
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return &Error{Field: fe.Field(), Message: "обязательное поле"}
	case "email":
		return &Error{Field: fe.Field(), Message: "некорректный e-mail"}
	default:
		return &Error{Field: fe.Field(), Message: fmt.Sprintf("не прошло проверку %q", fe.Tag())}
	}
}

// NormalizePrice приводит цену, введённую в произвольном формате, к целому числу рублей.
// Допускаются разделители тысяч (пробел, неразрывный пробел, апостроф, точка, запятая)
// и десятичная часть через точку или запятую, если она состоит из одних нулей.
// Цена с копейками отклоняется: сумма к оплате не должна отличаться от введённой.
func NormalizePrice(raw string) (int64, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case unicode.IsSpace(r), r == '\u00a0', r == '\u202f', r == '\'', r == '_':
			continue
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return 0, &Error{Field: "price", Message: "не указана цена"}
	}

	s = normalizeSeparators(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &Error{Field: "price", Message: "некорректная цена"}
	}

	if !d.IsInteger() {
		return 0, &Error{Field: "price", Message: "цена должна быть целым числом рублей"}
	}
	v := d
	if !v.IsPositive() {
		return 0, &Error{Field: "price", Message: "цена должна быть больше нуля"}
	}
	if v.GreaterThan(decimal.NewFromInt(maxPrice)) {
		return 0, &Error{Field: "price", Message: "некорректная цена"}
	}

	return v.IntPart(), nil
}

// normalizeSeparators оставляет не более одного десятичного разделителя в виде точки.
func normalizeSeparators(s string) string {
	commas := strings.Count(s, ",")
	dots := strings.Count(s, ".")

	switch {
	case commas > 0 && dots > 0:
		// Десятичным считается последний из встретившихся разделителей.
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case commas > 0:
		return singleSeparator(s, ",", commas)
	case dots > 0:
		return singleSeparator(s, ".", dots)
	}
	return s
}

func singleSeparator(s, sep string, count int) string {
	if count > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	i := strings.Index(s, sep)
	// "6,480" и "6.480" трактуются как разделитель тысяч.
	if len(s)-i-1 == 3 && i > 0 {
		return strings.Replace(s, sep, "", 1)
	}
	return strings.Replace(s, sep, ".", 1)
}

// NormalizePhone оставляет в номере только цифры и приводит номер к виду 7XXXXXXXXXX.
// После приведения в номере должно быть ровно 11 цифр.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()

	switch {
	case len(d) == 10:
		d = "7" + d
	case len(d) == 11 && d[0] == '8':
		d = "7" + d[1:]
	}

	if len(d) != 11 || d[0] != '7' {
		return "", &Error{Field: "phone", Message: "введите телефон в формате +7XXXXXXXXXX"}
	}
	return d, nil
}
