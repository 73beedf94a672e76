package media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistenceRequest_Lifecycle(t *testing.T) {
	r := NewRequest("r1", "blob:https://x/1", "clip.mp4")
	require.Equal(t, StateCreated, r.State)
	require.NoError(t, r.Advance(StateResolving))
	r.ResolvedLocator = "data:video/mp4;base64,AA"
	require.NoError(t, r.Advance(StateDispatched))
	assert.Equal(t, "data:video/mp4;base64,AA", r.DispatchLocator())
	require.NoError(t, r.Complete("dl-1"))
	assert.True(t, r.State.IsFinished())
	assert.Equal(t, "dl-1", r.DownloadID)

	assert.Error(t, r.Advance(StateDispatched))
}

func TestPersistenceRequest_Fail(t *testing.T) {
	r := NewRequest("r2", "https://x/a.jpg", "a.jpg")
	assert.Equal(t, "https://x/a.jpg", r.DispatchLocator())
	assert.Error(t, r.Advance(StateCompleted))

	boom := errors.New("boom")
	assert.Same(t, boom, r.Fail(boom))
	assert.Equal(t, StateFailed, r.State)
	// finished requests keep their first error
	assert.Same(t, boom, r.Fail(errors.New("later")))
}

func TestErrors(t *testing.T) {
	cause := errors.New("network")
	var de error = &DereferenceError{Locator: "blob:x", Cause: cause}
	assert.ErrorIs(t, de, cause)

	var he error = &HostDownloadError{Cause: cause}
	assert.ErrorIs(t, he, cause)

	var ile *InvalidLocatorError
	assert.True(t, errors.As(error(&InvalidLocatorError{Locator: "blob:x"}), &ile))
	assert.Contains(t, (&InvalidLocatorError{Locator: "data:" + string(make([]byte, 200))}).Error(), "...")
	assert.Equal(t, "url: missing", (&ValidationError{Field: "url", Reason: "missing"}).Error())
}
