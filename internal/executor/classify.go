package executor

import "net/http"

// Class is the retry decision for one HTTP status.
type Class int

// Outcome classes.
const (
	ClassSuccess Class = iota
	ClassReauth
	ClassRateLimited
	ClassServer
	ClassFatalAuth
	ClassValidation
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassReauth:
		return "reauth"
	case ClassRateLimited:
		return "rate_limited"
	case ClassServer:
		return "server"
	case ClassFatalAuth:
		return "fatal_auth"
	case ClassValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Classifier maps a response status to a Class.
type Classifier func(status int) Class

// UpstreamClassifier treats 401 as an expired token worth refreshing.
func UpstreamClassifier(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == http.StatusUnauthorized:
		return ClassReauth
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500:
		return ClassServer
	default:
		return ClassValidation
	}
}

// StoreClassifier treats 401 and 403 as fatal since the store token is static.
func StoreClassifier(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ClassFatalAuth
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500:
		return ClassServer
	default:
		return ClassValidation
	}
}
