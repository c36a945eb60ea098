package proxy

import "strings"

// ErrorClass buckets upstream client errors coarsely, by substring
// inspection, per spec.md §4.5.
type ErrorClass string

const (
	ErrorDNSResolution     ErrorClass = "DNS_RESOLUTION_FAILURE"
	ErrorConnectionRefused ErrorClass = "CONNECTION_REFUSED"
	ErrorConnectionTimeout ErrorClass = "CONNECTION_TIMEOUT"
	ErrorTLSCertificate    ErrorClass = "TLS_CERTIFICATE_ERROR"
	ErrorUnknown           ErrorClass = "UNKNOWN_ERROR"
)

// ClassifyError buckets err's text into one of the known classes. Coarse
// but sufficient, per spec.md.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return ErrorDNSResolution
	case strings.Contains(msg, "connection refused"):
		return ErrorConnectionRefused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ErrorConnectionTimeout
	case strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"), strings.Contains(msg, "tls"):
		return ErrorTLSCertificate
	default:
		return ErrorUnknown
	}
}
