package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("loading state: %w", ErrNotFound), http.StatusNotFound},
		{"already running", ErrAlreadyRunning, http.StatusConflict},
		{"library busy", fmt.Errorf("wrap: %w", ErrLibraryBusy), http.StatusConflict},
		{"bad signature", ErrInvalidSignature, http.StatusUnauthorized},
		{"invalid input", ErrInvalidInput, http.StatusBadRequest},
		{"missing config", ErrNotConfigured, http.StatusInternalServerError},
		{"pool config", ErrInvalidPoolConfig, http.StatusInternalServerError},
		{"app error wins", New(ErrNotFound, http.StatusTeapot, "custom"), http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusCode(tt.err); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
