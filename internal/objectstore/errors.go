package objectstore

import (
	"errors"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrNotFound is returned when a key does not exist in the backend
var ErrNotFound = errors.New("objectstore: key not found")

// isMissingError reports whether err means the object does not exist
func isMissingError(err error) bool {
	if err == nil {
		return false
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "notfound") || strings.Contains(msg, "no such key") || strings.Contains(msg, "status code: 404")
}

// isRetryableUploadError reports whether a part upload failure is worth
// another attempt. Connection drops, throttling and server-side errors
// retry; auth and validation errors do not.
func isRetryableUploadError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestTimeout", "SlowDown", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"econnreset",
		"connection reset",
		"etimedout",
		"timeout",
		"socket hang up",
		"network error",
		"broken pipe",
		"throttl",
		"slowdown",
		"slow down",
		"internalerror",
		"internal error",
		"service unavailable",
		"status code: 500",
		"status code: 502",
		"status code: 503",
		"status code: 504",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isSignatureError detects signature and checksum mismatches that some
// S3-compatible services raise against streamed multipart uploads. These
// are not retryable as-is but succeed as a buffered single PUT.
func isSignatureError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SignatureDoesNotMatch", "XAmzContentSHA256Mismatch", "BadDigest", "InvalidDigest":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"signaturedoesnotmatch",
		"signature",
		"sha256 mismatch",
		"baddigest",
		"checksum",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
