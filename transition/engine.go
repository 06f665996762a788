package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chassis-systems/piv-recovery-backend/bucket"
	"github.com/chassis-systems/piv-recovery-backend/model"
)

const (
	// DefaultConcurrency bounds the fanout when a request does not supply
	// its own limit.
	DefaultConcurrency = 4

	// DefaultTargetTimeout bounds one target's action. A target that
	// neither succeeds nor fails within it is recorded as failed-by-timeout
	// so aggregation never waits on an unresponsive node.
	DefaultTargetTimeout = time.Minute

	// casAttempts bounds read-modify-write retries on version conflicts
	// when merging per-target outcomes written by concurrent workers.
	casAttempts = 8
)

// Config wires an Engine. Every dependency is caller-owned; the engine
// keeps no global state.
type Config struct {
	Configurations *model.RecoveryConfigurations
	Tokens         *model.PivTokens
	Transitions    *model.Transitions
	Runner         TargetRunner
	Log            *slog.Logger

	// Concurrency and TargetTimeout default to the package constants when
	// zero.
	Concurrency   int
	TargetTimeout time.Duration
}

// Engine executes recovery-configuration transitions.
type Engine struct {
	configs       *model.RecoveryConfigurations
	tokens        *model.PivTokens
	transitions   *model.Transitions
	runner        TargetRunner
	log           *slog.Logger
	concurrency   int
	targetTimeout time.Duration
}

// New builds an engine from the config.
func New(cfg Config) *Engine {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	timeout := cfg.TargetTimeout
	if timeout <= 0 {
		timeout = DefaultTargetTimeout
	}
	return &Engine{
		configs:       cfg.Configurations,
		tokens:        cfg.Tokens,
		transitions:   cfg.Transitions,
		runner:        cfg.Runner,
		log:           cfg.Log,
		concurrency:   concurrency,
		targetTimeout: timeout,
	}
}

// Request describes one transition to execute.
type Request struct {
	ConfigurationUUID string
	Action            Action

	// Targets are explicit compute-node UUIDs. When empty, PivTokenGUID
	// selects the node associated with that token; when that is also empty,
	// every node with a live token is targeted.
	Targets      []string
	PivTokenGUID string

	// Concurrency overrides the engine default when positive.
	Concurrency int

	// Force supersedes an in-flight transition on the same configuration.
	Force bool
}

// Execute runs the full transition synchronously: validate, claim the
// configuration, fan out, aggregate, and advance state on full success. The
// returned record reflects the final per-target outcomes whether or not the
// transition succeeded; the error reports request-level failures only
// (individual target failures are recorded, not raised).
func (e *Engine) Execute(ctx context.Context, req Request) (model.Versioned[model.TransitionRecord], error) {
	vrec, err := e.Start(ctx, req)
	if err != nil {
		return model.Versioned[model.TransitionRecord]{}, err
	}
	return e.Run(ctx, vrec.Value.Name)
}

// Start validates the request, creates the transition record, and claims
// the configuration through its version tag. It does not touch any target.
func (e *Engine) Start(ctx context.Context, req Request) (model.Versioned[model.TransitionRecord], error) {
	var none model.Versioned[model.TransitionRecord]

	vc, err := e.configs.Get(ctx, req.ConfigurationUUID)
	if err != nil {
		return none, err
	}
	if _, ok := NextState(req.Action, vc.Value.State); !ok {
		return none, fmt.Errorf("%w: %s from state %s", ErrInvalidTransition, req.Action, vc.Value.State)
	}

	targets, err := e.resolveTargets(ctx, req)
	if err != nil {
		return none, err
	}

	// An unfinished transition referenced by the configuration blocks new
	// ones unless the caller forces supersession.
	if vc.Value.Transition != "" && !req.Force {
		if prev, err := e.transitions.Get(ctx, vc.Value.Transition); err == nil && !prev.Value.Finished {
			return none, fmt.Errorf("%w: %s", ErrTransitionInFlight, prev.Value.Name)
		}
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = e.concurrency
	}
	rec := model.TransitionRecord{
		Name:              model.NewTransitionName(req.ConfigurationUUID, string(req.Action)),
		ConfigurationUUID: req.ConfigurationUUID,
		Action:            string(req.Action),
		Targets:           targets,
		Concurrency:       concurrency,
		Forced:            req.Force,
		StartedAt:         time.Now().UTC(),
	}
	vrec, err := e.transitions.Create(ctx, rec)
	if err != nil {
		return none, err
	}

	// Claiming the configuration with the tag read above is the mutual
	// exclusion point: losing this race means another transition started
	// concurrently.
	claimed := vc.Value
	claimed.Transition = rec.Name
	if _, err := e.configs.Put(ctx, claimed, vc.Tag); err != nil {
		if !errors.Is(err, bucket.ErrVersionConflict) {
			return none, err
		}
		if !req.Force {
			// Best-effort cleanup of the orphaned record; the claim failed
			// so nothing references it.
			_ = e.transitions.Delete(ctx, rec.Name, vrec.Tag)
			return none, fmt.Errorf("%w: configuration %s", ErrTransitionInFlight, req.ConfigurationUUID)
		}
		if err := e.forceClaim(ctx, req, rec.Name); err != nil {
			return none, err
		}
	}

	e.log.Info("transition started",
		"transition", rec.Name,
		"configuration_uuid", req.ConfigurationUUID,
		"action", req.Action,
		"targets", len(targets),
		"concurrency", concurrency,
		"force", req.Force)
	return vrec, nil
}

// forceClaim re-reads the configuration and claims it regardless of who
// held it; the caller explicitly accepted superseding an in-flight
// transition.
func (e *Engine) forceClaim(ctx context.Context, req Request, name string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		vc, err := e.configs.Get(ctx, req.ConfigurationUUID)
		if err != nil {
			return err
		}
		if _, ok := NextState(req.Action, vc.Value.State); !ok {
			return fmt.Errorf("%w: %s from state %s", ErrInvalidTransition, req.Action, vc.Value.State)
		}
		claimed := vc.Value
		claimed.Transition = name
		if _, err := e.configs.Put(ctx, claimed, vc.Tag); err == nil {
			return nil
		} else if !errors.Is(err, bucket.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: configuration %s", ErrTransitionInFlight, req.ConfigurationUUID)
}

// Run executes the fanout for a transition record and finalizes it. It is
// idempotent: targets with persisted outcomes are skipped, so it is also the
// resumption path after a crash.
func (e *Engine) Run(ctx context.Context, name string) (model.Versioned[model.TransitionRecord], error) {
	vrec, err := e.transitions.Get(ctx, name)
	if err != nil {
		return model.Versioned[model.TransitionRecord]{}, err
	}
	if vrec.Value.Finished {
		return vrec, nil
	}

	pending := vrec.Value.Pending()
	concurrency := int64(vrec.Value.Concurrency)
	if concurrency <= 0 {
		concurrency = int64(e.concurrency)
	}

	sem := semaphore.NewWeighted(concurrency)
	var wg sync.WaitGroup
	for _, target := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer sem.Release(1)
			e.runTarget(ctx, vrec.Value, target)
		}(target)
	}
	wg.Wait()

	return e.finalize(ctx, name)
}

// runTarget performs one target's action and persists the outcome.
func (e *Engine) runTarget(ctx context.Context, rec model.TransitionRecord, target string) {
	tctx, cancel := context.WithTimeout(ctx, e.targetTimeout)
	defer cancel()

	err := e.runner.Run(tctx, target, rec.ConfigurationUUID, Action(rec.Action))

	outcome := model.TargetOutcome{Status: model.TargetSucceeded, FinishedAt: time.Now().UTC()}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		outcome.Status = model.TargetTimedOut
		outcome.Error = err.Error()
	default:
		outcome.Status = model.TargetFailed
		outcome.Error = err.Error()
	}

	if err := e.recordOutcome(ctx, rec.Name, target, outcome); err != nil {
		e.log.Error("failed to persist target outcome",
			"transition", rec.Name, "target", target, "err", err)
		return
	}
	e.log.Debug("target finished",
		"transition", rec.Name, "target", target, "status", outcome.Status)
}

// recordOutcome merges one target's outcome into the record with a
// read-modify-write loop. Outcomes are keyed by target, so concurrent
// merges commute: arrival order cannot change the final record.
func (e *Engine) recordOutcome(ctx context.Context, name, target string, outcome model.TargetOutcome) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		vrec, err := e.transitions.Get(ctx, name)
		if err != nil {
			return err
		}
		if _, done := vrec.Value.Outcomes[target]; done {
			// A previous run already settled this target.
			return nil
		}
		rec := vrec.Value
		if rec.Outcomes == nil {
			rec.Outcomes = make(map[string]model.TargetOutcome)
		}
		rec.Outcomes[target] = outcome
		if _, err := e.transitions.Update(ctx, rec, vrec.Tag); err == nil {
			return nil
		} else if !errors.Is(err, bucket.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("recording outcome for %s/%s: %w", name, target, bucket.ErrVersionConflict)
}

// finalize computes the aggregate once every target has an outcome, marks
// the record finished, and advances the configuration state only on full
// success.
func (e *Engine) finalize(ctx context.Context, name string) (model.Versioned[model.TransitionRecord], error) {
	var final model.Versioned[model.TransitionRecord]
	for attempt := 0; attempt < casAttempts; attempt++ {
		vrec, err := e.transitions.Get(ctx, name)
		if err != nil {
			return final, err
		}
		if vrec.Value.Finished {
			return vrec, nil
		}
		if len(vrec.Value.Pending()) > 0 {
			// Outcomes are incomplete (a worker failed to persist); leave
			// the record unfinished for resumption.
			return vrec, nil
		}

		rec := vrec.Value
		now := time.Now().UTC()
		rec.Finished = true
		rec.Succeeded = len(rec.FailedTargets()) == 0
		rec.FinishedAt = &now

		tag, err := e.transitions.Update(ctx, rec, vrec.Tag)
		if err != nil {
			if errors.Is(err, bucket.ErrVersionConflict) {
				continue
			}
			return final, err
		}
		final = model.Versioned[model.TransitionRecord]{Value: rec, Tag: tag}
		break
	}
	if final.Value.Name == "" {
		return final, fmt.Errorf("finalizing %s: %w", name, bucket.ErrVersionConflict)
	}

	if final.Value.Succeeded {
		if err := e.advanceConfiguration(ctx, final.Value); err != nil {
			return final, err
		}
	} else {
		e.log.Warn("transition failed",
			"transition", name,
			"failed_targets", final.Value.FailedTargets())
	}
	return final, nil
}

// advanceConfiguration moves the configuration to the transition's target
// state, unless a forced transition superseded this one in the meantime.
func (e *Engine) advanceConfiguration(ctx context.Context, rec model.TransitionRecord) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		vc, err := e.configs.Get(ctx, rec.ConfigurationUUID)
		if err != nil {
			return err
		}
		if vc.Value.Transition != rec.Name {
			e.log.Warn("transition superseded before state advance",
				"transition", rec.Name, "current", vc.Value.Transition)
			return nil
		}
		next, ok := NextState(Action(rec.Action), vc.Value.State)
		if !ok {
			return fmt.Errorf("%w: %s from state %s", ErrInvalidTransition, rec.Action, vc.Value.State)
		}

		cfg := vc.Value
		cfg.State = next
		if Action(rec.Action) == ActionActivate {
			now := time.Now().UTC()
			cfg.ActivatedAt = &now
		}
		if _, err := e.configs.Put(ctx, cfg, vc.Tag); err == nil {
			e.log.Info("configuration advanced",
				"configuration_uuid", cfg.UUID, "state", next, "transition", rec.Name)
			return nil
		} else if !errors.Is(err, bucket.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("advancing configuration %s: %w", rec.ConfigurationUUID, bucket.ErrVersionConflict)
}

// Watch returns the transition record for polling, scoped to its
// configuration so a record name cannot be probed across configurations.
func (e *Engine) Watch(ctx context.Context, configurationUUID, name string) (model.Versioned[model.TransitionRecord], error) {
	if _, err := e.configs.Get(ctx, configurationUUID); err != nil {
		return model.Versioned[model.TransitionRecord]{}, err
	}
	vrec, err := e.transitions.Get(ctx, name)
	if err != nil {
		return model.Versioned[model.TransitionRecord]{}, err
	}
	if vrec.Value.ConfigurationUUID != configurationUUID {
		return model.Versioned[model.TransitionRecord]{}, fmt.Errorf("transition %q: %w", name, bucket.ErrNotFound)
	}
	return vrec, nil
}

// Resume finishes every unfinished transition record, typically at process
// start. Completed targets are skipped; only pending ones run.
func (e *Engine) Resume(ctx context.Context) error {
	unfinished, err := e.transitions.Unfinished(ctx)
	if err != nil {
		return err
	}
	for _, vrec := range unfinished {
		e.log.Info("resuming transition",
			"transition", vrec.Value.Name,
			"pending", len(vrec.Value.Pending()))
		if _, err := e.Run(ctx, vrec.Value.Name); err != nil {
			e.log.Error("resume failed", "transition", vrec.Value.Name, "err", err)
		}
	}
	return nil
}

// ExpireDue runs an expire transition for every active configuration whose
// expiry time has passed.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) error {
	active, err := e.configs.List(ctx,
		bucket.Where("state", bucket.OpEq, string(model.StateActive)), bucket.ListOptions{})
	if err != nil {
		return err
	}
	for _, vc := range active {
		if vc.Value.ExpiresAt == nil || vc.Value.ExpiresAt.After(now) {
			continue
		}
		e.log.Info("expiring overdue configuration", "configuration_uuid", vc.Value.UUID)
		if _, err := e.Execute(ctx, Request{
			ConfigurationUUID: vc.Value.UUID,
			Action:            ActionExpire,
		}); err != nil {
			e.log.Error("expiry transition failed", "configuration_uuid", vc.Value.UUID, "err", err)
		}
	}
	return nil
}

// resolveTargets computes the compute-node set for a request.
func (e *Engine) resolveTargets(ctx context.Context, req Request) ([]string, error) {
	if len(req.Targets) > 0 {
		for _, target := range req.Targets {
			if _, err := uuid.Parse(target); err != nil {
				return nil, &model.ValidationError{Fields: map[string]string{
					"targets": fmt.Sprintf("%q is not a UUID", target),
				}}
			}
		}
		return dedupe(req.Targets), nil
	}

	if req.PivTokenGUID != "" {
		vt, err := e.tokens.Get(ctx, req.PivTokenGUID)
		if err != nil {
			if errors.Is(err, bucket.ErrNotFound) {
				return nil, &model.ValidationError{Fields: map[string]string{
					"pivtoken": "unknown guid",
				}}
			}
			return nil, err
		}
		return []string{vt.Value.CNUUID}, nil
	}

	all, err := e.tokens.List(ctx, nil, bucket.ListOptions{})
	if err != nil {
		return nil, err
	}
	var nodes []string
	for _, vt := range all {
		nodes = append(nodes, vt.Value.CNUUID)
	}
	nodes = dedupe(nodes)
	if len(nodes) == 0 {
		return nil, &model.ValidationError{Fields: map[string]string{
			"targets": "no target nodes",
		}}
	}
	return nodes, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
