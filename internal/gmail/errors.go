package gmail

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/teemow/inboxdraft/internal/faults"
)

// wrapAPIError maps Gmail API and token-endpoint failures onto the shared
// error taxonomy. Anything unrecognized passes through wrapped with the
// operation only.
func wrapAPIError(op string, err error) error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		// invalid_grant means the refresh token was revoked or expired;
		// only re-consent can fix that.
		if retrieveErr.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%s: %w", op, faults.ErrAuthExpired)
		}
		return fmt.Errorf("%s: token refresh: %w", op, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, faults.ErrNotFound)
		case apiErr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w", op, faults.ErrQuotaExceeded)
		case apiErr.Code == http.StatusForbidden && isRateLimit(apiErr):
			// Gmail reports some quota conditions as 403 with a
			// rate-limit reason instead of 429.
			return fmt.Errorf("%s: %w", op, faults.ErrQuotaExceeded)
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w", op, faults.ErrAuthExpired)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

func isRateLimit(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return strings.Contains(apiErr.Message, "rate limit")
}
