package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("backuppath", func(fl validator.FieldLevel) bool {
		return validBackupPath(fl.Field().String())
	})
}

// validBackupPath rejects overrides that climb out of their directory or
// carry control characters.
func validBackupPath(p string) bool {
	if strings.ContainsAny(p, "\x00\n\r") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// RequireRunID checks that s is a run ID.
func RequireRunID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("missing required ID")
	}
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid backup ID %q", s)
	}
	return s, nil
}
