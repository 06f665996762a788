// Package httpserver is the REST surface over the model layer and the
// transition engine: PIV token enrollment and recovery, recovery
// configuration CRUD, and transition start/watch. Authentication and
// not-found failures are rendered with an identical 404-shaped body so
// unauthenticated probes cannot learn whether a token exists.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chassis-systems/piv-recovery-backend/auth"
	"github.com/chassis-systems/piv-recovery-backend/bucket"
	"github.com/chassis-systems/piv-recovery-backend/metrics"
	"github.com/chassis-systems/piv-recovery-backend/model"
	"github.com/chassis-systems/piv-recovery-backend/transition"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError carries an explicit HTTP status for the error writer.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Handler processes REST requests. All state lives in the store; the
// handler itself is safe for concurrent use.
type Handler struct {
	tokens   *model.PivTokens
	configs  *model.RecoveryConfigurations
	recovery *model.RecoveryTokens
	engine   *transition.Engine
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewHandler wires the handler to its collections and the engine.
func NewHandler(tokens *model.PivTokens, configs *model.RecoveryConfigurations, recovery *model.RecoveryTokens, engine *transition.Engine, m *metrics.Metrics, log *slog.Logger) *Handler {
	return &Handler{
		tokens:   tokens,
		configs:  configs,
		recovery: recovery,
		engine:   engine,
		metrics:  m,
		log:      log,
	}
}

// HandleListPivTokens serves GET /pivtokens: public fields only, optionally
// filtered by cn_uuid.
func (h *Handler) HandleListPivTokens(w http.ResponseWriter, r *http.Request) {
	var filter *bucket.Filter
	if cn := r.URL.Query().Get("cn_uuid"); cn != "" {
		filter = bucket.Where("cn_uuid", bucket.OpEq, cn)
	}

	vts, err := h.tokens.List(r.Context(), filter, listOptions(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]model.PivToken, 0, len(vts))
	for _, vt := range vts {
		out = append(out, vt.Value.Public())
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleCreatePivToken serves POST /pivtokens. Enrollment of an unseen GUID
// is unauthenticated; re-posting an existing GUID requires signature auth
// and returns the stored record unchanged, tolerating client retries after
// a lost response.
func (h *Handler) HandleCreatePivToken(w http.ResponseWriter, r *http.Request) {
	var tok model.PivToken
	if err := h.readJSON(r, &tok); err != nil {
		h.writeError(w, r, err)
		return
	}

	if existing, err := h.tokens.Get(r.Context(), tok.GUID); err == nil {
		if err := h.verifySignature(r, existing.Value); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, existing.Value)
		return
	} else if !errors.Is(err, bucket.ErrNotFound) {
		h.writeError(w, r, err)
		return
	}

	vt, created, err := h.tokens.Create(r.Context(), tok)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	h.writeJSON(w, status, vt.Value)
}

// HandleGetPivToken serves GET /pivtokens/{guid}: public fields only.
func (h *Handler) HandleGetPivToken(w http.ResponseWriter, r *http.Request) {
	vt, err := h.tokens.Get(r.Context(), r.PathValue("guid"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, vt.Value.Public())
}

// HandleGetPivTokenPin serves GET /pivtokens/{guid}/pin: the full record
// including the PIN, for callers proving possession of the 9E private key.
func (h *Handler) HandleGetPivTokenPin(w http.ResponseWriter, r *http.Request) {
	vt, err := h.authenticatedToken(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, vt.Value)
}

// HandleReassociatePivToken serves PUT /pivtokens/{guid}: moves the token to
// a new compute node (chassis swap), signature-authenticated.
func (h *Handler) HandleReassociatePivToken(w http.ResponseWriter, r *http.Request) {
	vt, err := h.authenticatedToken(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body struct {
		CNUUID string `json:"cn_uuid"`
	}
	if err := h.readJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	updated, err := h.tokens.Reassociate(r.Context(), vt.Value, vt.Tag, body.CNUUID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated.Value)
}

// HandleDeletePivToken serves DELETE /pivtokens/{guid}:
// signature-authenticated archive-then-delete.
func (h *Handler) HandleDeletePivToken(w http.ResponseWriter, r *http.Request) {
	vt, err := h.authenticatedToken(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.tokens.Delete(r.Context(), vt.Value, vt.Tag); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRecoverPivToken serves POST /pivtokens/{guid}/recover: the caller
// proves possession of the recovery secret instead of the (lost) 9E key,
// and the old record is replaced with the one in the body. The consumed
// recovery token is archived and a fresh one is issued for the replacement;
// its secret appears exactly once, in this response.
func (h *Handler) HandleRecoverPivToken(w http.ResponseWriter, r *http.Request) {
	guid := r.PathValue("guid")
	vt, err := h.tokens.Get(r.Context(), guid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// The HMAC secret is the newest issued recovery token, or the secret
	// supplied inline at enrollment if none was ever issued.
	secret := vt.Value.RecoveryToken
	issued, issuedErr := h.recovery.Active(r.Context(), guid)
	if issuedErr == nil {
		secret = issued.Value.Token
	} else if !errors.Is(issuedErr, bucket.ErrNotFound) {
		h.writeError(w, r, issuedErr)
		return
	}

	if err := auth.VerifyHMAC(secret, r.Header.Get("Date"), r.Header.Get("Authorization")); err != nil {
		h.metrics.AuthFailures.WithLabelValues("hmac").Inc()
		h.writeError(w, r, err)
		return
	}

	var replacement model.PivToken
	if err := h.readJSON(r, &replacement); err != nil {
		h.writeError(w, r, err)
		return
	}

	newVt, err := h.tokens.Replace(r.Context(), vt.Value, vt.Tag, replacement)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	configurationUUID := ""
	if issuedErr == nil {
		configurationUUID = issued.Value.ConfigurationUUID
		if err := h.consumeRecoveryToken(r.Context(), issued); err != nil {
			h.log.Error("failed to consume recovery token", "uuid", issued.Value.UUID, "err", err)
		}
	} else {
		// Inline-secret path: the fresh token still needs a configuration
		// scope. Bind it to the newest live configuration.
		configurationUUID, err = h.newestConfigurationUUID(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	out := newVt.Value
	if configurationUUID == "" {
		// No configuration exists at all. The replacement keeps its inline
		// enrollment secret until one does.
		h.log.Warn("no recovery configuration to scope a fresh token to", "pivtoken_guid", newVt.Value.GUID)
	} else {
		fresh, err := h.recovery.Issue(r.Context(), newVt.Value.GUID, configurationUUID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		out.RecoveryToken = fresh.Value.Token
	}
	h.writeJSON(w, http.StatusCreated, out)
}

// consumeRecoveryToken retires a used token. If a concurrent writer moved
// the record between our read and the consume, it is retried once against
// the current tag; a token that is already gone counts as consumed.
func (h *Handler) consumeRecoveryToken(ctx context.Context, issued model.Versioned[model.RecoveryToken]) error {
	err := h.recovery.Consume(ctx, issued.Value, issued.Tag)
	if err == nil || errors.Is(err, bucket.ErrNotFound) {
		return nil
	}
	if !errors.Is(err, bucket.ErrVersionConflict) {
		return err
	}
	current, err := h.recovery.List(ctx,
		bucket.Where("uuid", bucket.OpEq, issued.Value.UUID), bucket.ListOptions{})
	if err != nil {
		return err
	}
	if len(current) == 0 {
		return nil
	}
	return h.recovery.Consume(ctx, current[0].Value, current[0].Tag)
}

// newestConfigurationUUID picks the configuration a fresh recovery token is
// scoped to when the consumed token does not say: the newest active
// configuration, falling back to the newest staged one. Returns "" when no
// configuration exists.
func (h *Handler) newestConfigurationUUID(ctx context.Context) (string, error) {
	for _, state := range []model.State{model.StateActive, model.StateStaged} {
		vcs, err := h.configs.List(ctx, bucket.Where("state", bucket.OpEq, string(state)), bucket.ListOptions{})
		if err != nil {
			return "", err
		}
		var newest model.RecoveryConfiguration
		for _, vc := range vcs {
			if newest.UUID == "" || vc.Value.CreatedAt.After(newest.CreatedAt) {
				newest = vc.Value
			}
		}
		if newest.UUID != "" {
			return newest.UUID, nil
		}
	}
	return "", nil
}

// HandleListRecoveryConfigurations serves GET /recovery-configurations,
// optionally filtered by state.
func (h *Handler) HandleListRecoveryConfigurations(w http.ResponseWriter, r *http.Request) {
	var filter *bucket.Filter
	if state := r.URL.Query().Get("state"); state != "" {
		filter = bucket.Where("state", bucket.OpEq, state)
	}

	vcs, err := h.configs.List(r.Context(), filter, listOptions(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]model.RecoveryConfiguration, 0, len(vcs))
	for _, vc := range vcs {
		out = append(out, vc.Value)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleCreateRecoveryConfiguration serves POST /recovery-configurations.
// The UUID derives from the template, so re-posting an identical template
// returns the existing configuration with 200.
func (h *Handler) HandleCreateRecoveryConfiguration(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Template  string     `json:"template"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if err := h.readJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	vc, created, err := h.configs.Create(r.Context(), body.Template, body.ExpiresAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	h.writeJSON(w, status, vc.Value)
}

// HandleGetRecoveryConfiguration serves GET /recovery-configurations/{uuid}.
func (h *Handler) HandleGetRecoveryConfiguration(w http.ResponseWriter, r *http.Request) {
	vc, err := h.configs.Get(r.Context(), r.PathValue("uuid"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, vc.Value)
}

// HandleDeleteRecoveryConfiguration serves
// DELETE /recovery-configurations/{uuid}: archive-then-delete.
func (h *Handler) HandleDeleteRecoveryConfiguration(w http.ResponseWriter, r *http.Request) {
	vc, err := h.configs.Get(r.Context(), r.PathValue("uuid"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.configs.Delete(r.Context(), vc.Value, vc.Tag); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transitionParams are accepted both as query parameters and as a JSON body
// on PUT /recovery-configurations/{uuid}.
type transitionParams struct {
	Action      string   `json:"action"`
	Transition  string   `json:"transition,omitempty"`
	Force       bool     `json:"force,omitempty"`
	PivToken    string   `json:"pivtoken,omitempty"`
	CNUUIDs     []string `json:"cn_uuid,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
}

// HandleRecoveryConfigurationAction serves
// PUT /recovery-configurations/{uuid}?action=...: either a watch poll or a
// transition, executed synchronously. A successful transition answers 204
// with a Location header for polling the record; a transition that ran but
// failed on some targets answers 200 with the record body.
func (h *Handler) HandleRecoveryConfigurationAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")

	params, err := h.transitionParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if params.Action == "watch" {
		h.watch(w, r, id, params.Transition)
		return
	}

	action := transition.Action(params.Action)
	switch action {
	case transition.ActionActivate, transition.ActionExpire, transition.ActionDeactivate:
	default:
		h.writeError(w, r, &model.ValidationError{Fields: map[string]string{
			"action": fmt.Sprintf("unknown action %q", params.Action),
		}})
		return
	}

	vrec, err := h.engine.Execute(r.Context(), transition.Request{
		ConfigurationUUID: id,
		Action:            action,
		Targets:           params.CNUUIDs,
		PivTokenGUID:      params.PivToken,
		Concurrency:       params.Concurrency,
		Force:             params.Force,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if vrec.Value.Succeeded {
		h.metrics.Transitions.WithLabelValues(string(action), "success").Inc()
		w.Header().Set("Location",
			fmt.Sprintf("/recovery-configurations/%s?action=watch&transition=%s", id, vrec.Value.Name))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.metrics.Transitions.WithLabelValues(string(action), "failure").Inc()
	h.writeJSON(w, http.StatusOK, vrec.Value)
}

// HandleWatchTransition serves POST /recovery-configurations/{uuid}/watch.
func (h *Handler) HandleWatchTransition(w http.ResponseWriter, r *http.Request) {
	params, err := h.transitionParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.watch(w, r, r.PathValue("uuid"), params.Transition)
}

func (h *Handler) watch(w http.ResponseWriter, r *http.Request, id, name string) {
	if name == "" {
		h.writeError(w, r, &model.ValidationError{Fields: map[string]string{
			"transition": "missing",
		}})
		return
	}
	vrec, err := h.engine.Watch(r.Context(), id, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, vrec.Value)
}

// transitionParams merges query parameters over an optional JSON body.
func (h *Handler) transitionParams(r *http.Request) (transitionParams, error) {
	var params transitionParams
	if r.Body != nil && r.ContentLength != 0 {
		if err := h.readJSON(r, &params); err != nil {
			return params, err
		}
	}

	q := r.URL.Query()
	if v := q.Get("action"); v != "" {
		params.Action = v
	}
	if v := q.Get("transition"); v != "" {
		params.Transition = v
	}
	if v := q.Get("force"); v != "" {
		params.Force = v == "true"
	}
	if v := q.Get("pivtoken"); v != "" {
		params.PivToken = v
	}
	if v := q.Get("cn_uuid"); v != "" {
		params.CNUUIDs = strings.Split(v, ",")
	}
	if v := q.Get("concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return params, &model.ValidationError{Fields: map[string]string{
				"concurrency": "must be a positive integer",
			}}
		}
		params.Concurrency = n
	}
	return params, nil
}

// listOptions maps limit/offset/sort query parameters onto the store's
// paging contract; the store applies its defaults for absent values.
func listOptions(r *http.Request) bucket.ListOptions {
	q := r.URL.Query()
	var opts bucket.ListOptions
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}
	opts.Sort = q.Get("sort")
	return opts
}

// authenticatedToken loads the token named in the URL and verifies the
// request signature against its 9E key. A missing token and a bad signature
// are indistinguishable to the caller.
func (h *Handler) authenticatedToken(r *http.Request) (model.Versioned[model.PivToken], error) {
	vt, err := h.tokens.Get(r.Context(), r.PathValue("guid"))
	if err != nil {
		if errors.Is(err, bucket.ErrNotFound) {
			return model.Versioned[model.PivToken]{}, auth.ErrUnauthenticated
		}
		return model.Versioned[model.PivToken]{}, err
	}
	if err := h.verifySignature(r, vt.Value); err != nil {
		return model.Versioned[model.PivToken]{}, err
	}
	return vt, nil
}

func (h *Handler) verifySignature(r *http.Request, tok model.PivToken) error {
	err := auth.VerifySignedDate(tok.Pubkeys[model.Slot9E], r.Header.Get("Date"), r.Header.Get("Authorization"))
	if err != nil {
		h.metrics.AuthFailures.WithLabelValues("signature").Inc()
	}
	return err
}

func (h *Handler) readJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodySize)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &RequestError{StatusCode: http.StatusUnprocessableEntity,
			Err: fmt.Errorf("decoding request body: %w", err)}
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "err", err)
	}
}

// writeError maps the domain error taxonomy onto status codes. Auth and
// not-found failures share one generic body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *RequestError
	var valErr *model.ValidationError

	switch {
	case errors.As(err, &reqErr):
		h.writeJSON(w, reqErr.StatusCode, map[string]string{"message": reqErr.Error()})
	case errors.As(err, &valErr):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code":   "InvalidParameters",
			"errors": valErr.Fields,
		})
	case errors.Is(err, transition.ErrInvalidTransition):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"code":    "InvalidTransition",
			"message": err.Error(),
		})
	case errors.Is(err, transition.ErrTransitionInFlight):
		h.writeJSON(w, http.StatusConflict, map[string]string{
			"code":    "TransitionInFlight",
			"message": err.Error(),
		})
	case errors.Is(err, bucket.ErrVersionConflict):
		h.metrics.StoreConflicts.Inc()
		h.writeJSON(w, http.StatusConflict, map[string]string{
			"code":    "Conflict",
			"message": "record changed concurrently, re-read and retry",
		})
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, bucket.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
	}
}
