package stream

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrNoConversation is returned when no conversation id can be resolved
	// for a request. No request is sent.
	ErrNoConversation = goerr.New("no active conversation")

	// ErrStreamActive is returned when a request is issued while another is
	// still in flight for the same reducer.
	ErrStreamActive = goerr.New("a response is already streaming")

	// ErrSubmitFailed marks a transport submit failure. The transport error
	// stays reachable through errors.Is and errors.As.
	ErrSubmitFailed = goerr.New("failed to submit request")
)
