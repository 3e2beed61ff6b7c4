package relay

import "strings"

// nonRetriableCodePrefixes are sink error-code prefixes that are never
// worth retrying: the request is rejected by policy, not by transient
// backend trouble. Modeled on Kinesis's AccessDenied/ResourceNotFound/
// ValidationException family.
var nonRetriableCodePrefixes = []string{
	"accessdenied",
	"unrecognizedclient",
	"notauthorized",
	"resourcenotfound",
	"invalidargument",
	"validationexception",
	"invalidparametervalue",
	"invalidparametercombination",
}

// nonRetriableMessageMarkers are case-insensitive substrings in an error
// message that mark it non-retriable even when the code itself is absent
// or generic, including the oversize-record case.
var nonRetriableMessageMarkers = []string{
	"access denied",
	"not authorized",
	"unrecognized client",
	"resource not found",
	"does not exist",
	"exceeds the maximum allowed",
	"exceeded maximum allowed",
	"record too large",
	"record size exceeds",
	"validation error",
	"invalid partition key",
}

// ClassifyError is a pure function from a sink error's code and message to
// a retriable/non-retriable verdict. Everything not matched here --
// throttling, transport failures, internal server errors, timeouts -- is
// retriable by default.
func ClassifyError(errorCode, errorMessage string) (retriable bool) {
	code := strings.ToLower(strings.TrimSpace(errorCode))
	for _, prefix := range nonRetriableCodePrefixes {
		if strings.HasPrefix(code, prefix) {
			return false
		}
	}

	msg := strings.ToLower(errorMessage)
	for _, marker := range nonRetriableMessageMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}

	return true
}
