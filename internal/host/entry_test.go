package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/shogun/internal/model"
)

func TestEntry_OwedResultExpires(t *testing.T) {
	e := newEntry(model.Advisor, nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	s, err := e.acquire(nil)
	require.NoError(t, err)
	_, ok := e.abandon(s, time.Minute)
	require.False(t, ok)

	clock = clock.Add(30 * time.Second)
	assert.Equal(t, deliverOrphan, e.deliver(outcome{text: "late"}))

	s, err = e.acquire(nil)
	require.NoError(t, err)
	_, ok = e.abandon(s, time.Minute)
	require.False(t, ok)

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, e.settle(context.Background(), time.Second))
	s, err = e.acquire(nil)
	require.NoError(t, err)
	assert.Equal(t, deliverOK, e.deliver(outcome{text: "fresh"}))
	assert.Equal(t, "fresh", (<-s.result).text)
}

func TestEntry_AbandonDuringWriteOwesAfterWrite(t *testing.T) {
	e := newEntry(model.Worker(1), nil)

	s, err := e.acquire(nil)
	require.NoError(t, err)
	e.beginWrite(s)
	_, ok := e.abandon(s, time.Minute)
	require.False(t, ok)

	assert.ErrorIs(t, e.settle(context.Background(), 0), errWriteStuck)

	e.writeDone(s, nil)
	assert.Equal(t, deliverOrphan, e.deliver(outcome{text: "late"}))
	assert.Equal(t, deliverNoJob, e.deliver(outcome{text: "stray"}))
}
