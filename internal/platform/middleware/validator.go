package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var clockPattern = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$|^24:00$`)

// RequestValidator plugs go-playground/validator into echo's c.Validate.
type RequestValidator struct {
	v *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	v.RegisterValidation("clock", validateClock)
	v.RegisterValidation("isodate", validateISODate)
	return &RequestValidator{v: v}
}

func validateClock(fl validator.FieldLevel) bool {
	return clockPattern.MatchString(fl.Field().String())
}

func validateISODate(fl validator.FieldLevel) bool {
	_, err := time.Parse("2006-01-02", fl.Field().String())
	return err == nil
}

// Validate returns a 400 HTTPError describing the first failing field.
func (rv *RequestValidator) Validate(i interface{}) error {
	err := rv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"code":    "validation",
			"message": err.Error(),
		})
	}
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
		"code":    "validation",
		"message": describe(verrs[0]),
	})
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "uuid", "uuid4":
		return fmt.Sprintf("%s must be a UUID", fe.Field())
	case "clock":
		return fmt.Sprintf("%s must be a time of day in HH:MM format", fe.Field())
	case "isodate":
		return fmt.Sprintf("%s must be a date in YYYY-MM-DD format", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "min", "gte", "gt":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max", "lte", "lt":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
