package media

import "fmt"

// RequestState is the lifecycle state of a PersistenceRequest.
type RequestState string

const (
	StateCreated    RequestState = "created"
	StateResolving  RequestState = "resolving"  // dereferencing an ephemeral locator in the page
	StateDispatched RequestState = "dispatched" // handed to the orchestrator
	StateCompleted  RequestState = "completed"  // the orchestrator accepted the download
	StateFailed     RequestState = "failed"
)

// IsFinished reports whether the state is terminal.
func (s RequestState) IsFinished() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[RequestState][]RequestState{
	StateCreated:    {StateResolving, StateDispatched, StateFailed},
	StateResolving:  {StateDispatched, StateFailed},
	StateDispatched: {StateCompleted, StateFailed},
}

// PersistenceRequest tracks one attempt to save a record. Completion means
// the host accepted the download, not that the bytes reached disk: terminal
// download events are not correlated back to the request.
type PersistenceRequest struct {
	ID              string
	Locator         string
	DestinationName string
	ResolvedLocator string
	DownloadID      string
	State           RequestState
	Err             error
}

// NewRequest returns a request in the created state.
func NewRequest(id, locator, name string) *PersistenceRequest {
	return &PersistenceRequest{ID: id, Locator: locator, DestinationName: name, State: StateCreated}
}

// DispatchLocator is the locator to send to the host: the resolved inline
// form when the original was ephemeral.
func (r *PersistenceRequest) DispatchLocator() string {
	if r.ResolvedLocator != "" {
		return r.ResolvedLocator
	}
	return r.Locator
}

// Advance moves the request to the next state.
func (r *PersistenceRequest) Advance(to RequestState) error {
	for _, next := range transitions[r.State] {
		if next == to {
			r.State = to
			return nil
		}
	}
	return fmt.Errorf("media: request %s: illegal transition %s -> %s", r.ID, r.State, to)
}

// Fail records err and moves the request to failed. Finished requests
// keep their state.
func (r *PersistenceRequest) Fail(err error) error {
	if r.State.IsFinished() {
		return r.Err
	}
	r.State = StateFailed
	r.Err = err
	return err
}

// Complete marks the request accepted by the host under downloadID.
func (r *PersistenceRequest) Complete(downloadID string) error {
	if err := r.Advance(StateCompleted); err != nil {
		return err
	}
	r.DownloadID = downloadID
	return nil
}
