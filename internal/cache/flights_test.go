package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlightsJoinCoalesces(t *testing.T) {
	t.Parallel()

	f := NewFlights()
	first := f.Join("fp", "job-1")
	second := f.Join("fp", "job-2")
	other := f.Join("other", "job-3")

	require.True(t, first.Leader)
	require.False(t, second.Leader)
	require.Equal(t, first.FlightID, second.FlightID)
	require.True(t, other.Leader)
	require.NotEqual(t, first.FlightID, other.FlightID)
	require.Equal(t, []string{"job-1", "job-2"}, f.Subscribers(first.FlightID))

	id, ok := f.Of("job-2")
	require.True(t, ok)
	require.Equal(t, first.FlightID, id)
}

func TestFlightsStartReportsLateJoiners(t *testing.T) {
	t.Parallel()

	f := NewFlights()
	m := f.Join("fp", "job-1")
	require.Equal(t, []string{"job-1"}, f.Start(m.FlightID))

	late := f.Join("fp", "job-2")
	require.False(t, late.Leader)
	require.True(t, late.Started)
}

func TestFlightsLeaveAndFinish(t *testing.T) {
	t.Parallel()

	f := NewFlights()
	m := f.Join("fp", "job-1")
	f.Join("fp", "job-2")

	require.Equal(t, 1, f.Leave(m.FlightID, "job-1"))
	_, ok := f.Of("job-1")
	require.False(t, ok)

	subs, cancelled := f.Finish(m.FlightID)
	require.Equal(t, []string{"job-2"}, subs)
	require.False(t, cancelled)
	require.Zero(t, f.Len())
	subs, _ = f.Finish(m.FlightID)
	require.Nil(t, subs)

	next := f.Join("fp", "job-3")
	require.True(t, next.Leader)
}

func TestFlightsCancelIfSole(t *testing.T) {
	t.Parallel()

	f := NewFlights()
	m := f.Join("fp", "job-1")
	ctx, cancel := context.WithCancel(context.Background())
	f.SetCancel(m.FlightID, cancel)

	require.False(t, f.CancelIfSole(m.FlightID, "job-1"), "queued flights are not aborted")
	f.Start(m.FlightID)

	f.Join("fp", "job-2")
	require.False(t, f.CancelIfSole(m.FlightID, "job-1"), "shared flights keep running")
	f.Leave(m.FlightID, "job-2")

	require.True(t, f.CancelIfSole(m.FlightID, "job-1"))
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	require.True(t, f.Cancelled(m.FlightID))

	fresh := f.Join("fp", "job-3")
	require.True(t, fresh.Leader)
	require.NotEqual(t, m.FlightID, fresh.FlightID)

	subs, cancelled := f.Finish(m.FlightID)
	require.Equal(t, []string{"job-1"}, subs)
	require.True(t, cancelled)
	require.Equal(t, []string{"job-3"}, f.Subscribers(fresh.FlightID))
}

func TestFlightsFinishIfEmpty(t *testing.T) {
	t.Parallel()

	f := NewFlights()
	m := f.Join("fp", "job-1")
	require.False(t, f.FinishIfEmpty(m.FlightID))

	f.Leave(m.FlightID, "job-1")
	require.True(t, f.FinishIfEmpty(m.FlightID))
	require.Zero(t, f.Len())
	require.True(t, f.FinishIfEmpty(m.FlightID))

	again := f.Join("fp", "job-2")
	require.True(t, again.Leader)
	require.Equal(t, []string{"job-2"}, f.Abandon(again.FlightID))
	require.Zero(t, f.Len())
}
