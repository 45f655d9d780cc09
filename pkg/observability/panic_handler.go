package observability

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with its stack.
// It must be called directly in a defer statement.
func RecoverPanic(logger logrus.FieldLogger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"panic":   r,
			"stack":   string(debug.Stack()),
			"context": where,
		}).Error("PANIC recovered")
	}
}

// MustRecover converts a recovered value into an error
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}

// RecoveryMiddleware turns handler panics into 500 responses
func RecoveryMiddleware(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(logrus.Fields{
						"panic":  rec,
						"stack":  string(debug.Stack()),
						"method": r.Method,
						"path":   r.URL.Path,
					}).Error("PANIC recovered in HTTP handler")
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
