package httpx

import (
	"errors"
	"net/http"

	"gorm.io/gorm"

	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/markclient"
	"lora_pipeline/internal/taskstate"
	"lora_pipeline/internal/trainclient"
)

// FromError maps a service error onto the business code table.
func FromError(err error) *AppError {
	var appErr *AppError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, taskstate.ErrTaskNotFound),
		errors.Is(err, asset.ErrAssetNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return NewAppError(http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, taskstate.ErrInvalidState),
		errors.Is(err, taskstate.ErrInvalidTransition),
		errors.Is(err, taskstate.ErrNoImages),
		errors.Is(err, asset.ErrCapacityExhausted),
		errors.Is(err, asset.ErrAlreadyAssigned):
		return NewAppError(http.StatusConflict, CodeStateConflict, err.Error(), nil)
	case errors.Is(err, taskstate.ErrInvalidConfig):
		return NewAppError(http.StatusBadRequest, CodeParamMissing, err.Error(), nil)
	case remote(err):
		return ErrExternalError("remote engine request failed", err)
	}
	return ErrInternalError("", err)
}

// remote reports whether err came back from a marking or training engine.
func remote(err error) bool {
	var (
		markHTTP  *markclient.HTTPError
		markExec  *markclient.ExecutionError
		trainHTTP *trainclient.HTTPError
		rejected  *trainclient.RejectedError
	)
	return errors.As(err, &markHTTP) ||
		errors.As(err, &markExec) ||
		errors.As(err, &trainHTTP) ||
		errors.As(err, &rejected) ||
		errors.Is(err, markclient.ErrNoPromptID)
}
