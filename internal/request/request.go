// Package request defines the download request model and its validation.
package request

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrValidation is returned for malformed requests. Validation failures are
// rejected before a task is ever created and are never retried.
var ErrValidation = errors.New("invalid download request")

// Tier is a user's service class. It determines the quota limit and the
// queue lane a request is scheduled in.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// DownloadRequest describes a single fetch. It is immutable once submitted.
type DownloadRequest struct {
	UserID  string            `json:"user_id" validate:"required"`
	Locator string            `json:"locator" validate:"required,url"`
	Options map[string]string `json:"options,omitempty" validate:"dive,keys,required,endkeys,max=512"`
	Tier    Tier              `json:"tier" validate:"required,oneof=free premium"`
}

var validate = validator.New()

// Validate checks the request. The returned error wraps ErrValidation so
// callers can classify it with errors.Is.
func Validate(req DownloadRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
