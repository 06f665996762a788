package transition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chassis-systems/piv-recovery-backend/archive"
	"github.com/chassis-systems/piv-recovery-backend/bucket"
	"github.com/chassis-systems/piv-recovery-backend/model"
)

const (
	nodeA = "6b4b37b7-9afc-4e3a-9e0a-000000000001"
	nodeB = "6b4b37b7-9afc-4e3a-9e0a-000000000002"
	nodeC = "6b4b37b7-9afc-4e3a-9e0a-000000000003"
)

// fakeRunner records calls and fails or blocks selected targets.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	block map[string]bool
}

func (r *fakeRunner) Run(ctx context.Context, cnUUID, configurationUUID string, action Action) error {
	r.mu.Lock()
	r.calls = append(r.calls, cnUUID)
	r.mu.Unlock()
	if r.block[cnUUID] {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.fail[cnUUID]
}

func (r *fakeRunner) callCount(cnUUID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == cnUUID {
			n++
		}
	}
	return n
}

type engineEnv struct {
	engine  *Engine
	configs *model.RecoveryConfigurations
	tokens  *model.PivTokens
	records *model.Transitions
	runner  *fakeRunner
}

func testEngine(t *testing.T, tweak func(*Config)) *engineEnv {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := bucket.NewMemory()
	require.NoError(t, model.InitBuckets(ctx, store))
	sink, err := archive.NewBucketSink(ctx, store, log)
	require.NoError(t, err)

	runner := &fakeRunner{fail: map[string]error{}, block: map[string]bool{}}
	cfg := Config{
		Configurations: model.NewRecoveryConfigurations(store, sink, log),
		Tokens:         model.NewPivTokens(store, sink, log),
		Transitions:    model.NewTransitions(store, log),
		Runner:         runner,
		Log:            log,
		TargetTimeout:  time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return &engineEnv{
		engine:  New(cfg),
		configs: cfg.Configurations,
		tokens:  cfg.Tokens,
		records: cfg.Transitions,
		runner:  runner,
	}
}

func stageConfig(t *testing.T, env *engineEnv) model.Versioned[model.RecoveryConfiguration] {
	t.Helper()
	vc, created, err := env.configs.Create(context.Background(), "cGl2LXJlY292ZXJ5LXBvbGljeQ==", nil)
	require.NoError(t, err)
	require.True(t, created)
	return vc
}

// setState moves a configuration directly, bypassing the engine, to set up
// non-staged starting points.
func setState(t *testing.T, env *engineEnv, id string, state model.State) {
	t.Helper()
	vc, err := env.configs.Get(context.Background(), id)
	require.NoError(t, err)
	vc.Value.State = state
	_, err = env.configs.Put(context.Background(), vc.Value, vc.Tag)
	require.NoError(t, err)
}

func TestActivateAllTargetsSucceed(t *testing.T) {
	env := testEngine(t, nil)
	ctx := context.Background()
	vc := stageConfig(t, env)

	vrec, err := env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		Targets:           []string{nodeA, nodeB, nodeC},
	})
	require.NoError(t, err)

	assert.True(t, vrec.Value.Finished)
	assert.True(t, vrec.Value.Succeeded)
	assert.Len(t, vrec.Value.Outcomes, 3)
	for _, node := range []string{nodeA, nodeB, nodeC} {
		assert.Equal(t, model.TargetSucceeded, vrec.Value.Outcomes[node].Status)
	}
	require.NotNil(t, vrec.Value.FinishedAt)

	after, err := env.configs.Get(ctx, vc.Value.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, after.Value.State)
	assert.Equal(t, vrec.Value.Name, after.Value.Transition)
	assert.NotNil(t, after.Value.ActivatedAt)
}

func TestIllegalTransitionMutatesNothing(t *testing.T) {
	env := testEngine(t, nil)
	ctx := context.Background()
	vc := stageConfig(t, env)

	_, err := env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionExpire,
		Targets:           []string{nodeA},
	})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, env.runner.calls)

	after, err := env.configs.Get(ctx, vc.Value.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StateStaged, after.Value.State)
	assert.Empty(t, after.Value.Transition)

	records, err := env.records.List(ctx, nil, bucket.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFailedTargetLeavesStateUnchanged(t *testing.T) {
	env := testEngine(t, nil)
	ctx := context.Background()
	vc := stageConfig(t, env)
	env.runner.fail[nodeB] = errors.New("agent rejected the configuration")

	vrec, err := env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		Targets:           []string{nodeA, nodeB, nodeC},
	})
	require.NoError(t, err)

	assert.True(t, vrec.Value.Finished)
	assert.False(t, vrec.Value.Succeeded)
	assert.Equal(t, []string{nodeB}, vrec.Value.FailedTargets())
	assert.Equal(t, model.TargetFailed, vrec.Value.Outcomes[nodeB].Status)
	assert.Contains(t, vrec.Value.Outcomes[nodeB].Error, "rejected")

	after, err := env.configs.Get(ctx, vc.Value.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StateStaged, after.Value.State)
}

func TestTimeoutRecordedAsTimeout(t *testing.T) {
	env := testEngine(t, func(cfg *Config) {
		cfg.TargetTimeout = 30 * time.Millisecond
		cfg.Concurrency = 2
	})
	ctx := context.Background()
	vc := stageConfig(t, env)
	env.runner.block[nodeB] = true

	vrec, err := env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		Targets:           []string{nodeA, nodeB, nodeC},
	})
	require.NoError(t, err)

	assert.True(t, vrec.Value.Finished)
	assert.False(t, vrec.Value.Succeeded)
	assert.Equal(t, model.TargetSucceeded, vrec.Value.Outcomes[nodeA].Status)
	assert.Equal(t, model.TargetTimedOut, vrec.Value.Outcomes[nodeB].Status)
	assert.Equal(t, model.TargetSucceeded, vrec.Value.Outcomes[nodeC].Status)

	after, err := env.configs.Get(ctx, vc.Value.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StateStaged, after.Value.State)
}

// Outcome aggregation is keyed by target, so the order outcomes arrive in
// cannot change the final record.
func TestOutcomeOrderDoesNotMatter(t *testing.T) {
	ctx := context.Background()
	outcomeA := model.TargetOutcome{Status: model.TargetSucceeded, FinishedAt: time.Now().UTC()}
	outcomeB := model.TargetOutcome{Status: model.TargetFailed, Error: "boom", FinishedAt: time.Now().UTC()}

	run := func(firstTarget, secondTarget string, first, second model.TargetOutcome) model.TransitionRecord {
		env := testEngine(t, nil)
		vc := stageConfig(t, env)
		vrec, err := env.engine.Start(ctx, Request{
			ConfigurationUUID: vc.Value.UUID,
			Action:            ActionActivate,
			Targets:           []string{nodeA, nodeB},
		})
		require.NoError(t, err)

		require.NoError(t, env.engine.recordOutcome(ctx, vrec.Value.Name, firstTarget, first))
		require.NoError(t, env.engine.recordOutcome(ctx, vrec.Value.Name, secondTarget, second))
		final, err := env.engine.finalize(ctx, vrec.Value.Name)
		require.NoError(t, err)
		return final.Value
	}

	forward := run(nodeA, nodeB, outcomeA, outcomeB)
	reverse := run(nodeB, nodeA, outcomeB, outcomeA)

	assert.Equal(t, forward.Outcomes, reverse.Outcomes)
	assert.Equal(t, forward.Succeeded, reverse.Succeeded)
	assert.Equal(t, forward.FailedTargets(), reverse.FailedTargets())
}

func TestInFlightBlocksUnlessForced(t *testing.T) {
	env := testEngine(t, nil)
	ctx := context.Background()
	vc := stageConfig(t, env)

	// Claim the configuration without running the fanout, simulating an
	// in-flight transition.
	held, err := env.engine.Start(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		Targets:           []string{nodeA},
	})
	require.NoError(t, err)

	_, err = env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		Targets:           []string{nodeA},
	})
	require.ErrorIs(t, err, ErrTransitionInFlight)

	forced, err := env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		Targets:           []string{nodeA},
		Force:             true,
	})
	require.NoError(t, err)
	assert.True(t, forced.Value.Succeeded)
	assert.True(t, forced.Value.Forced)

	after, err := env.configs.Get(ctx, vc.Value.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, after.Value.State)
	assert.Equal(t, forced.Value.Name, after.Value.Transition)

	// Completing the superseded transition must not advance the
	// configuration again.
	_, err = env.engine.Run(ctx, held.Value.Name)
	require.NoError(t, err)
	after, err = env.configs.Get(ctx, vc.Value.UUID)
	require.NoError(t, err)
	assert.Equal(t, forced.Value.Name, after.Value.Transition)
}

func TestResumeSkipsRecordedOutcomes(t *testing.T) {
	env := testEngine(t, nil)
	ctx := context.Background()
	vc := stageConfig(t, env)

	vrec, err := env.engine.Start(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		Targets:           []string{nodeA, nodeB, nodeC},
	})
	require.NoError(t, err)

	// One target finished before the interruption.
	require.NoError(t, env.engine.recordOutcome(ctx, vrec.Value.Name, nodeA,
		model.TargetOutcome{Status: model.TargetSucceeded, FinishedAt: time.Now().UTC()}))

	require.NoError(t, env.engine.Resume(ctx))

	assert.Equal(t, 0, env.runner.callCount(nodeA))
	assert.Equal(t, 1, env.runner.callCount(nodeB))
	assert.Equal(t, 1, env.runner.callCount(nodeC))

	final, err := env.records.Get(ctx, vrec.Value.Name)
	require.NoError(t, err)
	assert.True(t, final.Value.Finished)
	assert.True(t, final.Value.Succeeded)

	after, err := env.configs.Get(ctx, vc.Value.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, after.Value.State)
}

func TestTargetsResolvedFromTokens(t *testing.T) {
	env := testEngine(t, nil)
	ctx := context.Background()
	vc := stageConfig(t, env)

	for guid, node := range map[string]string{"tok-1": nodeA, "tok-2": nodeB} {
		_, _, err := env.tokens.Create(ctx, model.PivToken{
			GUID:    guid,
			CNUUID:  node,
			PIN:     "123456",
			Pubkeys: map[string]string{model.Slot9E: "ssh-ed25519 AAAA test"},
		})
		require.NoError(t, err)
	}

	// A single token GUID selects just that token's node.
	vrec, err := env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		PivTokenGUID:      "tok-2",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{nodeB}, vrec.Value.Targets)

	// No selector at all fans out to every enrolled node.
	setState(t, env, vc.Value.UUID, model.StateActive)
	vrec, err = env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionDeactivate,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{nodeA, nodeB}, vrec.Value.Targets)
}

func TestTargetValidation(t *testing.T) {
	env := testEngine(t, nil)
	ctx := context.Background()
	vc := stageConfig(t, env)

	var verr *model.ValidationError

	_, err := env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		Targets:           []string{"not-a-uuid"},
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "targets")

	_, err = env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		PivTokenGUID:      "no-such-token",
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "pivtoken")

	// No tokens enrolled and no explicit targets: nothing to roll out to.
	_, err = env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "targets")
}

func TestWatchScopedToConfiguration(t *testing.T) {
	env := testEngine(t, nil)
	ctx := context.Background()
	vc := stageConfig(t, env)

	vrec, err := env.engine.Execute(ctx, Request{
		ConfigurationUUID: vc.Value.UUID,
		Action:            ActionActivate,
		Targets:           []string{nodeA},
	})
	require.NoError(t, err)

	watched, err := env.engine.Watch(ctx, vc.Value.UUID, vrec.Value.Name)
	require.NoError(t, err)
	assert.True(t, watched.Value.Finished)

	other, _, err := env.configs.Create(ctx, "b3RoZXItdGVtcGxhdGU=", nil)
	require.NoError(t, err)
	_, err = env.engine.Watch(ctx, other.Value.UUID, vrec.Value.Name)
	require.ErrorIs(t, err, bucket.ErrNotFound)
}

func TestExpireDue(t *testing.T) {
	env := testEngine(t, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()

	overdue, _, err := env.configs.Create(ctx, "b3ZlcmR1ZQ==", &past)
	require.NoError(t, err)
	fresh, _, err := env.configs.Create(ctx, "ZnJlc2g=", &future)
	require.NoError(t, err)
	setState(t, env, overdue.Value.UUID, model.StateActive)
	setState(t, env, fresh.Value.UUID, model.StateActive)

	_, _, err = env.tokens.Create(ctx, model.PivToken{
		GUID:    "tok-1",
		CNUUID:  nodeA,
		PIN:     "123456",
		Pubkeys: map[string]string{model.Slot9E: "ssh-ed25519 AAAA test"},
	})
	require.NoError(t, err)

	require.NoError(t, env.engine.ExpireDue(ctx, time.Now()))

	after, err := env.configs.Get(ctx, overdue.Value.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, after.Value.State)

	untouched, err := env.configs.Get(ctx, fresh.Value.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, untouched.Value.State)
}
