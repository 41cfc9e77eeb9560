package observability

import (
	"errors"
	"fmt"

	"github.com/etchmuzik/fleetbus/errs"
)

// AggregateErrors settles a batch of handler or delivery outcomes: nil
// entries are dropped, the rest are logged once with their backbone error
// codes tallied, and a joined error is returned for the caller to propagate
// or discard.
func AggregateErrors(operation string, failures []error, fields ...Field) error {
	filtered := make([]error, 0, len(failures))
	messages := make([]string, 0, len(failures))
	codes := make(map[string]int)
	for _, err := range failures {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
		codes[string(errs.CodeOf(err))]++
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "error_codes", Value: codes},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	joined := errors.Join(filtered...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
