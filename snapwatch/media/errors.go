package media

import "fmt"

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidLocatorError reports a locator the host cannot fetch: anything
// that is not http, https or data.
type InvalidLocatorError struct {
	Locator string
}

func (e *InvalidLocatorError) Error() string {
	return fmt.Sprintf("invalid URL protocol: %s", truncateLocator(e.Locator))
}

// DereferenceError reports a failure to turn an ephemeral locator into
// an inline one inside the page.
type DereferenceError struct {
	Locator string
	Cause   error
}

func (e *DereferenceError) Error() string {
	return fmt.Sprintf("dereference %s: %v", truncateLocator(e.Locator), e.Cause)
}

func (e *DereferenceError) Unwrap() error { return e.Cause }

// HostDownloadError reports a synchronous rejection by the host download
// service.
type HostDownloadError struct {
	Cause error
}

func (e *HostDownloadError) Error() string {
	return fmt.Sprintf("host download: %v", e.Cause)
}

func (e *HostDownloadError) Unwrap() error { return e.Cause }

// truncateLocator keeps inline payloads out of error strings.
func truncateLocator(l string) string {
	const max = 80
	if len(l) <= max {
		return l
	}
	return l[:max] + "..."
}
