package events

import (
	"fmt"
)

// FetchError reports that the feed could not be retrieved: the transport
// failed or the server answered with a non-2xx status.
type FetchError struct {
	URL        string
	StatusCode int // 0 when the request never got a response
	Status     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch feed %s: %s", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch feed %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a feed body that is not a usable JSON document.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse feed %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
