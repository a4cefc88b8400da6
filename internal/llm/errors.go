package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFatalAPI marks upstream errors that will not go away on retry (auth, billing, quota).
var ErrFatalAPI = errors.New("fatal API error")

var fatalMarkers = []string{
	"credit balance",
	"rate limit",
	"quota",
	"billing",
	"invalid api key",
	"invalid x-api-key",
	"incorrect api key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

// IsFatalAPIError reports whether err looks like an auth, billing or quota failure.
func IsFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func wrapFatalError(err error) error {
	if !IsFatalAPIError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalAPI, err)
}
