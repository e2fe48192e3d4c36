package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/markclient"
	"lora_pipeline/internal/taskstate"
	"lora_pipeline/internal/trainclient"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without internal err",
			err:  NewAppError(http.StatusBadRequest, CodeParamMissing, "param missing", nil),
			want: "code=2001, message=param missing",
		},
		{
			name: "error with internal err",
			err:  NewAppError(http.StatusInternalServerError, CodeInternalError, "internal error", errors.New("db connection failed")),
			want: "code=5001, message=internal error, err=db connection failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrStateConflict(t *testing.T) {
	err := ErrStateConflict("")
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("Expected HTTP status %d, got %d", http.StatusConflict, err.HTTPStatus)
	}
	if err.Code != CodeStateConflict {
		t.Errorf("Expected code %d, got %d", CodeStateConflict, err.Code)
	}
	if err.Message != "current state does not allow operation" {
		t.Errorf("Expected default message, got '%s'", err.Message)
	}
}

func TestErrParamMissing(t *testing.T) {
	err := ErrParamMissing("field 'name' is required")
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("Expected HTTP status %d, got %d", http.StatusBadRequest, err.HTTPStatus)
	}
	if err.Code != CodeParamMissing {
		t.Errorf("Expected code %d, got %d", CodeParamMissing, err.Code)
	}
	if err.Message != "field 'name' is required" {
		t.Errorf("Expected custom message, got '%s'", err.Message)
	}
}

func TestErrNotFound(t *testing.T) {
	err := ErrNotFound("task not found")
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("Expected HTTP status %d, got %d", http.StatusNotFound, err.HTTPStatus)
	}
	if err.Code != CodeNotFound {
		t.Errorf("Expected code %d, got %d", CodeNotFound, err.Code)
	}
}

func TestErrInternalError(t *testing.T) {
	internalErr := errors.New("database connection failed")
	err := ErrInternalError("internal error", internalErr)

	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("Expected HTTP status %d, got %d", http.StatusInternalServerError, err.HTTPStatus)
	}
	if err.Code != CodeInternalError {
		t.Errorf("Expected code %d, got %d", CodeInternalError, err.Code)
	}
	if err.Err != internalErr {
		t.Errorf("Expected internal error to be preserved")
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		code int
		min  int
		max  int
	}{
		{"CodeSuccess", CodeSuccess, 0, 0},
		{"CodeParamMissing", CodeParamMissing, 2000, 2099},
		{"CodeParamInvalid", CodeParamInvalid, 2000, 2099},
		{"CodeParamIllegal", CodeParamIllegal, 2000, 2099},
		{"CodeNotFound", CodeNotFound, 3000, 3999},
		{"CodeStateConflict", CodeStateConflict, 3000, 3999},
		{"CodeInternalError", CodeInternalError, 5000, 5999},
		{"CodeDatabaseError", CodeDatabaseError, 5000, 5999},
		{"CodeExternalError", CodeExternalError, 5000, 5999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code < tt.min || tt.code > tt.max {
				t.Errorf("%s = %d, expected to be in range [%d, %d]", tt.name, tt.code, tt.min, tt.max)
			}
		})
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		httpStatus int
		code       int
	}{
		{"task not found", fmt.Errorf("load task 7: %w", taskstate.ErrTaskNotFound), http.StatusNotFound, CodeNotFound},
		{"asset not found", asset.ErrAssetNotFound, http.StatusNotFound, CodeNotFound},
		{"invalid state", fmt.Errorf("%w: task is NEW", taskstate.ErrInvalidState), http.StatusConflict, CodeStateConflict},
		{"invalid transition", taskstate.ErrInvalidTransition, http.StatusConflict, CodeStateConflict},
		{"no images", taskstate.ErrNoImages, http.StatusConflict, CodeStateConflict},
		{"capacity", asset.ErrCapacityExhausted, http.StatusConflict, CodeStateConflict},
		{"invalid config", fmt.Errorf("%w: flux model path is empty", taskstate.ErrInvalidConfig), http.StatusBadRequest, CodeParamMissing},
		{"marking engine http", fmt.Errorf("submit prompt: %w", &markclient.HTTPError{StatusCode: 500, Body: "oom"}), http.StatusBadGateway, CodeExternalError},
		{"marking engine execution", &markclient.ExecutionError{ExceptionMessage: "CUDA out of memory"}, http.StatusBadGateway, CodeExternalError},
		{"training engine rejected", &trainclient.RejectedError{Message: "busy"}, http.StatusBadGateway, CodeExternalError},
		{"training engine http", &trainclient.HTTPError{StatusCode: 503}, http.StatusBadGateway, CodeExternalError},
		{"app error", ErrParamInvalid("bad id"), http.StatusBadRequest, CodeParamInvalid},
		{"other", errors.New("boom"), http.StatusInternalServerError, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got.HTTPStatus != tt.httpStatus {
				t.Errorf("HTTPStatus = %d, want %d", got.HTTPStatus, tt.httpStatus)
			}
			if got.Code != tt.code {
				t.Errorf("Code = %d, want %d", got.Code, tt.code)
			}
		})
	}

	if FromError(nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestFromError_HidesInternalDetail(t *testing.T) {
	err := FromError(errors.New("dial tcp 10.0.0.1:3306: connection refused"))
	if err.Message != "internal error" {
		t.Errorf("Expected generic message, got '%s'", err.Message)
	}
	if err.Err == nil {
		t.Error("Expected internal error to be kept for logging")
	}
}
