package client

import (
	"errors"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{name: "client error should not retry", errorClass: ErrorClassClient, expected: false},
		{name: "api error list should not retry", errorClass: ErrorClassAPI, expected: false},
		{name: "server error should retry", errorClass: ErrorClassServer, expected: true},
		{name: "rate limit should retry", errorClass: ErrorClassRateLimit, expected: true},
		{name: "network error should retry", errorClass: ErrorClassNetwork, expected: true},
		{name: "empty error class should not retry", errorClass: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shouldRetry(tt.errorClass)
			if result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		expected string
	}{
		{
			name: "error with wrapped error",
			apiError: &APIError{
				StatusCode: 500,
				ErrorClass: ErrorClassServer,
				Message:    "internal server error",
				Err:        errors.New("connection refused"),
			},
			expected: "intercom server error (status 500): internal server error: connection refused",
		},
		{
			name: "error without wrapped error",
			apiError: &APIError{
				StatusCode: 404,
				ErrorClass: ErrorClassClient,
				Message:    "not found",
			},
			expected: "intercom client error (status 404): not found",
		},
		{
			name: "error list with code",
			apiError: &APIError{
				StatusCode: 200,
				ErrorClass: ErrorClassAPI,
				Code:       "unauthorized",
				Message:    "Access Token Invalid",
			},
			expected: "intercom api error (status 200): Access Token Invalid (code: unauthorized)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.apiError.Error()
			if result != tt.expected {
				t.Errorf("Error() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	wrappedErr := errors.New("wrapped error")
	apiError := &APIError{
		StatusCode: 500,
		ErrorClass: ErrorClassServer,
		Message:    "server error",
		Err:        wrappedErr,
	}

	if !errors.Is(apiError, wrappedErr) {
		t.Error("errors.Is should work with wrapped error")
	}

	if (&APIError{}).Unwrap() != nil {
		t.Error("Unwrap() on an error without cause should be nil")
	}
}

func TestErrorFromBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantNil  bool
		wantCode string
		wantMsg  string
	}{
		{
			name:     "error list",
			body:     `{"type":"error.list","errors":[{"code":"token_not_found","message":"Token not found"}]}`,
			wantCode: "token_not_found",
			wantMsg:  "Token not found",
		},
		{
			name:    "errors array without type",
			body:    `{"errors":[]}`,
			wantMsg: "error list",
		},
		{
			name:    "regular list",
			body:    `{"type":"tag.list","tags":[]}`,
			wantNil: true,
		},
		{
			name:    "not json",
			body:    `<html>`,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errorFromBody([]byte(tt.body))
			if tt.wantNil {
				if got != nil {
					t.Errorf("errorFromBody() = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("errorFromBody() = nil, want error")
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMsg)
			}
		})
	}
}
