package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/projector/internal/domain"
)

func TestRecoveryDecide(t *testing.T) {
	tests := []struct {
		name     string
		recovery Recovery
		want     []Decision
	}{
		{"fail", Fail(), []Decision{DecisionFail}},
		{"skip", Skip(), []Decision{DecisionSkip}},
		{"retry and fail", RetryAndFail(2, time.Millisecond), []Decision{DecisionRetry, DecisionRetry, DecisionFail}},
		{"retry and skip", RetryAndSkip(1, time.Millisecond), []Decision{DecisionRetry, DecisionSkip}},
		{"retry zero", RetryAndFail(0, time.Millisecond), []Decision{DecisionFail}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, tt.recovery.Decide(i+1), "after %d failures", i+1)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	st, err := ParseStrategy(" Retry_And_Skip ")
	require.NoError(t, err)
	assert.Equal(t, StrategyRetryAndSkip, st)

	st, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyFail, st)

	_, err = ParseStrategy("ignore")
	assert.Error(t, err)
}

func TestRecoveryValidate(t *testing.T) {
	assert.NoError(t, Fail().Validate())
	assert.Error(t, Recovery{Strategy: StrategyRetryAndFail, Retries: -1}.Validate())
}

func TestDeliveryValidate(t *testing.T) {
	assert.NoError(t, ExactlyOnce().Validate())
	assert.NoError(t, AtLeastOnce(10, time.Second).Validate())
	assert.Error(t, AtLeastOnce(0, time.Second).Validate())
	assert.Error(t, AtLeastOnce(1, -time.Second).Validate())
}

func TestStateIdle(t *testing.T) {
	assert.True(t, StateStopped.Idle())
	assert.True(t, StateFailed.Idle())
	assert.False(t, StateRunning.Idle())
	assert.False(t, StateRestartBackoff.Idle())
	assert.Equal(t, "restart_backoff", StateRestartBackoff.String())
}

type fakeControllable struct {
	id    domain.ProjectionID
	state State
}

func (f *fakeControllable) ID() domain.ProjectionID { return f.id }
func (f *fakeControllable) State() State            { return f.state }
func (f *fakeControllable) Status() Status          { return Status{ID: f.id, State: f.state} }
func (f *fakeControllable) Resume()                 { f.state = StateRunning }

func (f *fakeControllable) Stop(ctx context.Context) error {
	f.state = StateStopped
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	b := &fakeControllable{id: domain.ProjectionID{Name: "b", Key: "0"}}
	a1 := &fakeControllable{id: domain.ProjectionID{Name: "a", Key: "1"}}
	a0 := &fakeControllable{id: domain.ProjectionID{Name: "a", Key: "0"}}
	r.Register(b)
	r.Register(a1)
	r.Register(a0)

	var order []string
	for _, c := range r.List() {
		order = append(order, c.ID().String())
	}
	assert.Equal(t, []string{"a-0", "a-1", "b-0"}, order)

	replacement := &fakeControllable{id: b.id}
	r.Register(replacement)
	r.Unregister(b)
	got, ok := r.Lookup(b.id)
	require.True(t, ok, "unregistering a replaced runner keeps the replacement")
	assert.Same(t, replacement, got)

	r.Unregister(replacement)
	_, ok = r.Lookup(b.id)
	assert.False(t, ok)
}
