package weblounge

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"redirect", NewActionError(http.StatusFound, "moved"), http.StatusFound},
		{"not modified", NewActionError(http.StatusNotModified, "same"), http.StatusNotModified},
		{"forbidden", NewActionError(http.StatusForbidden, "denied"), http.StatusForbidden},
		{"wrapped action error", fmt.Errorf("stage: %w", NewActionError(http.StatusTeapot, "tea")), http.StatusTeapot},
		{"informational", NewActionError(http.StatusContinue, "odd"), http.StatusInternalServerError},
		{"out of range", NewActionError(700, "odd"), http.StatusInternalServerError},
		{"resolution", &ResolutionError{Kind: "action", Target: "/x"}, http.StatusNotFound},
		{"pool", &PoolExhaustedError{Action: "news/list", Err: errors.New("timeout")}, http.StatusServiceUnavailable},
		{"rendering", &RenderingError{Action: "news/list", Stage: "startStage", Err: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StatusFor(tc.err))
		})
	}
}
