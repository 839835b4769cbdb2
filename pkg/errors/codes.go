package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrTransport: {
		Code:            ErrTransport,
		Retryable:       true,
		Description:     "Request could not be completed (DNS, connect or read failure)",
		SuggestedAction: "Check network access to the site and rerun: nls scrape",
	},
	ErrHTTPStatus: {
		Code:            ErrHTTPStatus,
		Retryable:       true,
		Description:     "Detail page answered with a non-2xx status",
		SuggestedAction: "Verify the city URL in a browser; the page may have moved",
	},
	ErrRateLimit: {
		Code:            ErrRateLimit,
		Retryable:       true,
		Description:     "Site rate limit exceeded (HTTP 429)",
		SuggestedAction: "Lower fetch.concurrency or fetch.rate_limit and rerun",
	},
	ErrTimeout: {
		Code:            ErrTimeout,
		Retryable:       true,
		Description:     "Request exceeded fetch.timeout",
		SuggestedAction: "Raise fetch.timeout or lower fetch.concurrency",
	},
	ErrExtraction: {
		Code:            ErrExtraction,
		Retryable:       false,
		Description:     "Detail page markup could not be turned into a record",
		SuggestedAction: "Site layout may have changed; inspect the page and update the extractor",
	},
	ErrInvalidRecord: {
		Code:            ErrInvalidRecord,
		Retryable:       false,
		Description:     "Extracted record is missing region, country or name",
		SuggestedAction: "Inspect the page for the missing header fields",
	},
	ErrPersistence: {
		Code:            ErrPersistence,
		Retryable:       true,
		Description:     "A write for this record was rejected by the store",
		SuggestedAction: "Check store logs; rerun to converge",
	},
	ErrFatalStorage: {
		Code:            ErrFatalStorage,
		Retryable:       false,
		Description:     "Store unreachable or schema missing; the run was aborted",
		SuggestedAction: "Check the store DSN and run: nls db migrate",
	},
	ErrContextCancelled: {
		Code:            ErrContextCancelled,
		Retryable:       false,
		Description:     "Operation cancelled by user or system",
		SuggestedAction: "Check if cancellation was intentional",
	},
	ErrProcessingError: {
		Code:            ErrProcessingError,
		Retryable:       false,
		Description:     "Unclassified processing error",
		SuggestedAction: "Rerun with --debug and check logs",
	},
}

// IsRetryable returns true if the given error code represents a transient error
// that a later run may not hit.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Rerun with --debug and check logs"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
