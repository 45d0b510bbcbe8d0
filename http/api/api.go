// Package api contains helpers for the JSON HTTP APIs.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

func init() {
	// "id" validates identifiers used in URL paths and storage keys
	validate.RegisterValidation("id", func(fl validator.FieldLevel) bool {
		return idRegex.MatchString(fl.Field().String())
	})
}

// ErrInvalidRequest wraps request decoding and validation errors.
var ErrInvalidRequest = errors.New("invalid request")

// ValidID returns true if id is a valid identifier.
func ValidID(id string) bool {
	return idRegex.MatchString(id)
}

// Decode decodes the JSON body of r into v and validates v.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrInvalidRequest, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// JSONError encodes err as JSON to w.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	jsonErr := &struct {
		Err string `json:"error"`
	}{Err: err.Error()}
	w.Header().Set("Content-type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(jsonErr)
}

// JSON encodes v as JSON to w with statusCode.
func JSON(w http.ResponseWriter, v any, statusCode int) error {
	w.Header().Set("Content-type", "application/json")
	if statusCode > 0 {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(v)
}
