package http

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "wslicense/internal/errors"
)

// maxBodyBytes caps request bodies; the largest is a 500-event usage batch
const maxBodyBytes = 1 << 20

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// requestValidator reports field errors by their JSON names
func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// decode reads a JSON body into dst and validates its struct tags
func decode(r *http.Request, dst any) *apperrors.APIError {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		return apperrors.InvalidRequestWithError(errors.New("request body is not valid JSON"))
	}
	if err := requestValidator().Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return apperrors.InvalidRequestWithError(err)
		}
		out := make([]apperrors.ValidationError, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, apperrors.ValidationError{Field: fieldPath(fe), Message: fieldMessage(fe)})
		}
		return apperrors.NewValidationErrors(out)
	}
	return nil
}

// fieldPath drops the root struct name from the namespace
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "email":
		return "must be a valid email address"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// firstProblem summarises a validation failure in one line for the wire
// failure body.
func firstProblem(e *apperrors.APIError) string {
	if verrs, ok := e.Details.([]apperrors.ValidationError); ok && len(verrs) > 0 {
		return fmt.Sprintf("%s %s", verrs[0].Field, verrs[0].Message)
	}
	return e.Message
}
