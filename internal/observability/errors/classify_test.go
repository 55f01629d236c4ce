package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"conflict sentinel", fmt.Errorf("update: %w", model.ErrConflict), "conflict"},
		{"handler timeout", model.NewTimeoutError(0), "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"app error", apperrors.Wrap(errors.New("boom"), apperrors.ErrCodeInternal, "store"), "internal"},
		{"unknown type", fmt.Errorf("dial: %w", &net.OpError{Op: "dial"}), "net_operror"},
		{"plain error", errors.New("x"), "errors_errorstring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
