package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/haasonsaas/r-core/internal/core/apierrors"
)

const maxRequestBodyBytes int64 = 10 * 1024 * 1024

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as the uniform error envelope, attaching
// Retry-After when the failure is a rate limit.
func writeError(w http.ResponseWriter, err error) {
	ce := apierrors.FromError(err)
	if ce.Kind == apierrors.KindRateLimited && ce.RetryAfterSeconds > 0 {
		secs := int(ce.RetryAfterSeconds + 0.999) // round up; a too-early retry fails again
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, ce.Status(), ce.ToEnvelope())
}

// decodeJSON parses the request body into dst, bounding body size.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apierrors.New(apierrors.KindInvalidRequest, "request body too large")
		}
		return apierrors.Wrap(apierrors.KindInvalidRequest, "malformed request body", err)
	}
	return nil
}
