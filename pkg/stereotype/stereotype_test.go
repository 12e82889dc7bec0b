package stereotype

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequester struct {
	calls []Tags
	err   error
}

func (f *fakeRequester) RequestStereotype(tags Tags, modelTag uint8) error {
	f.calls = append(f.calls, tags)
	return f.err
}

type fakeChecker struct {
	referenced map[Tags]bool
}

func (f fakeChecker) HasEdgeWithTags(tags Tags) bool { return f.referenced[tags] }

func TestRequestIsNoopWhenAlreadyCached(t *testing.T) {
	c := New(DefaultCapacity, 0, nil)
	require.NoError(t, c.OnResponse(0, Tags{1}, 2, 3))

	req := &fakeRequester{}
	require.NoError(t, c.Request(Tags{1}, req))
	assert.Empty(t, req.calls)
}

func TestRequestIsNoopWhenAlreadyPending(t *testing.T) {
	c := New(DefaultCapacity, 0, nil)
	req := &fakeRequester{}

	require.NoError(t, c.Request(Tags{1}, req))
	require.NoError(t, c.Request(Tags{1}, req))
	assert.Len(t, req.calls, 1)
}

func TestRequestUnmarksPendingOnSendFailure(t *testing.T) {
	c := New(DefaultCapacity, 0, nil)
	req := &fakeRequester{err: errors.New("transport down")}

	err := c.Request(Tags{1}, req)
	assert.Error(t, err)

	// a retry after the failed send must not be swallowed as "already
	// pending" since the failed attempt cleared the pending flag.
	req2 := &fakeRequester{}
	require.NoError(t, c.Request(Tags{1}, req2))
	assert.Len(t, req2.calls, 1)
}

func TestOnResponseRejectsModelMismatch(t *testing.T) {
	c := New(DefaultCapacity, 1, nil)
	err := c.OnResponse(2, Tags{1}, 1, 1)
	assert.ErrorIs(t, err, ErrModelMismatch)
}

func TestFindReturnsCachedPrior(t *testing.T) {
	c := New(DefaultCapacity, 0, nil)
	require.NoError(t, c.OnResponse(0, Tags{3}, 4, 5))

	alpha, beta, ok := c.Find(Tags{3})
	require.True(t, ok)
	assert.Equal(t, 4.0, alpha)
	assert.Equal(t, 5.0, beta)

	_, _, ok = c.Find(Tags{9})
	assert.False(t, ok)
}

func TestOnResponseEvictsOnlyUnreferencedEntries(t *testing.T) {
	checker := fakeChecker{referenced: map[Tags]bool{{1}: true}}
	c := New(1, 0, checker)

	require.NoError(t, c.OnResponse(0, Tags{1}, 1, 1))
	// tags{1} is still referenced, so a second response with a different
	// tag tuple can't evict it and must be dropped silently.
	require.NoError(t, c.OnResponse(0, Tags{2}, 2, 2))

	_, _, ok := c.Find(Tags{1})
	assert.True(t, ok)
	_, _, ok = c.Find(Tags{2})
	assert.False(t, ok)
}

func TestOnResponseEvictsUnreferencedEntry(t *testing.T) {
	checker := fakeChecker{referenced: map[Tags]bool{}}
	c := New(1, 0, checker)

	require.NoError(t, c.OnResponse(0, Tags{1}, 1, 1))
	require.NoError(t, c.OnResponse(0, Tags{2}, 2, 2))

	_, _, ok := c.Find(Tags{1})
	assert.False(t, ok)
	_, _, ok = c.Find(Tags{2})
	assert.True(t, ok)
}
