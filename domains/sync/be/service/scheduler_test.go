package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classtab/roster-sync/domains/sync/be/service"
)

func TestSchedulerTriggersRecurringSync(t *testing.T) {
	h := newHarness(t, rosterAdapter())

	sched := service.NewScheduler(h.svc, []service.Schedule{
		{Scope: h.scope, Interval: 5 * time.Millisecond},
	}, nil)

	sched.Start(context.Background())
	defer sched.Stop()

	require.Eventually(t, func() bool {
		runs, _, err := h.svc.History(context.Background(), h.scope, 5, 0)
		if err != nil || len(runs) == 0 {
			return false
		}
		return runs[0].Status == service.RunStatusSuccess
	}, 5*time.Second, 5*time.Millisecond)

	runs, _, err := h.svc.History(context.Background(), h.scope, 5, 0)
	require.NoError(t, err)
	require.Equal(t, service.TriggerSchedule, runs[0].Trigger)
}

func TestSchedulerStopPreventsFurtherTicks(t *testing.T) {
	h := newHarness(t, rosterAdapter())

	sched := service.NewScheduler(h.svc, []service.Schedule{
		{Scope: h.scope, Interval: 5 * time.Millisecond},
	}, nil)

	sched.Start(context.Background())

	require.Eventually(t, func() bool {
		_, total, err := h.svc.History(context.Background(), h.scope, 1, 0)
		return err == nil && total > 0
	}, 5*time.Second, 5*time.Millisecond)

	sched.Stop()

	_, after, err := h.svc.History(context.Background(), h.scope, 1, 0)
	require.NoError(t, err)

	// No new runs start once Stop returns.
	time.Sleep(50 * time.Millisecond)
	_, later, err := h.svc.History(context.Background(), h.scope, 1, 0)
	require.NoError(t, err)
	require.Equal(t, after, later)
}

func TestSchedulerStopLetsInFlightRunFinish(t *testing.T) {
	adapter := newBlockingAdapter(rosterAdapter())
	h := newHarness(t, adapter)

	sched := service.NewScheduler(h.svc, []service.Schedule{
		{Scope: h.scope, Interval: 5 * time.Millisecond},
	}, nil)

	sched.Start(context.Background())
	<-adapter.started

	// Stop arrives while a tick is parked inside its run.
	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()
	close(adapter.release)
	<-stopped

	// The interrupted run still completed and closed its row; nothing is
	// left dangling in progress.
	runs, _, err := h.svc.History(context.Background(), h.scope, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	for _, r := range runs {
		require.Equal(t, service.RunStatusSuccess, r.Status)
	}

	state, err := h.store.GetDelta(context.Background(), h.scope)
	require.NoError(t, err)
	require.Equal(t, service.DeltaStatusIdle, state.Status)
}

func TestSchedulerSkipsNonPositiveIntervals(t *testing.T) {
	h := newHarness(t, rosterAdapter())

	sched := service.NewScheduler(h.svc, []service.Schedule{
		{Scope: h.scope, Interval: 0},
	}, nil)

	sched.Start(context.Background())
	sched.Stop()

	_, total, err := h.svc.History(context.Background(), h.scope, 1, 0)
	require.NoError(t, err)
	require.Zero(t, total)
}
