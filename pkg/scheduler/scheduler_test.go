package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/relay/pkg/experiments"
	"github.com/platinummonkey/relay/pkg/observability"
)

type fakeStore struct {
	dueForStart      []*experiments.Experiment
	dueForConclusion []*experiments.Experiment
	startErr         map[int64]error

	started   []int64
	concluded []int64
}

func (f *fakeStore) ListDueForStart(ctx context.Context) ([]*experiments.Experiment, error) {
	return f.dueForStart, nil
}

func (f *fakeStore) ListDueForConclusion(ctx context.Context) ([]*experiments.Experiment, error) {
	return f.dueForConclusion, nil
}

func (f *fakeStore) StartExperiment(ctx context.Context, workspaceID, id int64) (*experiments.Experiment, error) {
	if err := f.startErr[id]; err != nil {
		return nil, err
	}
	f.started = append(f.started, id)
	return &experiments.Experiment{ID: id, WorkspaceID: workspaceID, Status: experiments.StatusRunning}, nil
}

func (f *fakeStore) ConcludeExperiment(ctx context.Context, workspaceID, id int64, req *experiments.ConcludeExperimentRequest) (*experiments.Experiment, error) {
	if req.WinningVariantID != nil {
		return nil, errors.New("sweep must not declare a winner")
	}
	f.concluded = append(f.concluded, id)
	return &experiments.Experiment{ID: id, WorkspaceID: workspaceID, Status: experiments.StatusConcluded}, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.InfoLevel, nil)
}

func exp(id int64, key string) *experiments.Experiment {
	return &experiments.Experiment{ID: id, WorkspaceID: 1, Key: key}
}

func TestSweepStartsAndConcludes(t *testing.T) {
	store := &fakeStore{
		dueForStart:      []*experiments.Experiment{exp(1, "due-start")},
		dueForConclusion: []*experiments.Experiment{exp(2, "due-end")},
	}
	sched := New(store, nil, testLogger(), Options{})

	sched.RunSweepOnce(context.Background())

	assert.Equal(t, []int64{1}, store.started)
	assert.Equal(t, []int64{2}, store.concluded)
}

// One failing transition must not stall the rest of the sweep.
func TestSweepContinuesPastFailures(t *testing.T) {
	store := &fakeStore{
		dueForStart: []*experiments.Experiment{
			exp(1, "broken"),
			exp(2, "healthy"),
		},
		startErr: map[int64]error{1: errors.New("too few variants")},
	}
	sched := New(store, nil, testLogger(), Options{})

	sched.RunSweepOnce(context.Background())

	assert.Equal(t, []int64{2}, store.started)
}

func TestSweepNothingDue(t *testing.T) {
	store := &fakeStore{}
	sched := New(store, nil, testLogger(), Options{})

	sched.RunSweepOnce(context.Background())

	assert.Empty(t, store.started)
	assert.Empty(t, store.concluded)
}

func TestSchedulerStartStop(t *testing.T) {
	store := &fakeStore{}
	sched := New(store, nil, testLogger(), Options{})

	require.NoError(t, sched.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, sched.Stop(ctx))
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	store := &fakeStore{}
	sched := New(store, nil, testLogger(), Options{SweepSchedule: "not a cron expression"})

	assert.Error(t, sched.Start())
}
