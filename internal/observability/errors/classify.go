// Package errors turns errors into low-cardinality labels for metrics and logs.
package errors

import (
	goerrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/target/mmk-queue/internal/errors"
)

// Classify returns a label for err. Queue and store failures map to their
// application code; anything else is named after the innermost concrete
// error type, such as "net_operror".
func Classify(err error) string {
	if err == nil {
		return ""
	}
	code := apperrors.Classify(err)
	if code != apperrors.ErrCodeInternal || apperrors.GetCode(err) != "" {
		return string(code)
	}
	return innermostType(err)
}

func innermostType(err error) string {
	for next := goerrors.Unwrap(err); next != nil; next = goerrors.Unwrap(err) {
		err = next
	}
	name := strings.TrimLeft(fmt.Sprintf("%T", err), "*")
	return strings.ToLower(strings.ReplaceAll(name, ".", "_"))
}
