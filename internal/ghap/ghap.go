// Package ghap implements the Goal-Hypothesis-Action-Prediction learning
// loop: a per-session state machine with exactly one active episode at a
// time, plus the persister that renders, embeds, and durably records a
// resolved episode across both stores.
package ghap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emmilco/clams-sub000/internal/embed"
	amerrors "github.com/emmilco/clams-sub000/internal/errors"
	"github.com/emmilco/clams-sub000/internal/store"
)

// ErrActiveGhapExists is returned by Start when the session already has an
// entry in flight.
type ErrActiveGhapExists struct {
	ID string
}

func (e ErrActiveGhapExists) Error() string {
	return fmt.Sprintf("session already has an active ghap entry %q", e.ID)
}

// ErrNoActiveGhap is returned by Update/Resolve when the session has no
// entry in flight.
var ErrNoActiveGhap = fmt.Errorf("session has no active ghap entry")

// StartInput carries the fields a caller supplies to begin a new episode.
type StartInput struct {
	SessionID  string
	Domain     store.GhapDomain
	Strategy   store.GhapStrategy
	Goal       string
	Hypothesis string
	Actions    []string
	Prediction string
}

// ResolveInput carries the fields a caller supplies to close out an episode.
type ResolveInput struct {
	SessionID string
	Outcome   store.GhapOutcome
	Surprise  string
	RootCause string
	Lesson    string
}

// ResolveResult is the minimal response returned to a caller on resolve.
// Kept intentionally small: the caller only needs to know it worked and
// which entry it worked on.
type ResolveResult struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

// Machine holds one active entry per session and enforces the
// Start/Update/Resolve transition rules. A single mutex guards the map; the
// lock is held only long enough to read or mutate the in-memory entry, not
// across the persistence call on resolve.
type Machine struct {
	mu      sync.Mutex
	active  map[string]*store.GhapEntry
	meta    store.MetadataStore
	vectors store.VectorStore
	embeds  *embed.Registry
	retry   amerrors.RetryConfig
}

// New constructs a Machine backed by the given stores and embedding
// registry, using the default bounded-exponential-backoff retry config for
// resolve persistence.
func New(meta store.MetadataStore, vectors store.VectorStore, embeds *embed.Registry) *Machine {
	return &Machine{
		active:  make(map[string]*store.GhapEntry),
		meta:    meta,
		vectors: vectors,
		embeds:  embeds,
		retry:   amerrors.DefaultRetryConfig(),
	}
}

// Start begins a new episode for a session. Returns ErrActiveGhapExists if
// the session already has one in flight.
func (m *Machine) Start(ctx context.Context, in StartInput) (*store.GhapEntry, error) {
	m.mu.Lock()
	if existing, ok := m.active[in.SessionID]; ok {
		m.mu.Unlock()
		return nil, ErrActiveGhapExists{ID: existing.ID}
	}

	entry := &store.GhapEntry{
		ID:             uuid.NewString(),
		SessionID:      in.SessionID,
		Domain:         in.Domain,
		Strategy:       in.Strategy,
		Goal:           in.Goal,
		Hypothesis:     in.Hypothesis,
		Actions:        in.Actions,
		Prediction:     in.Prediction,
		IterationCount: 1,
		Status:         store.StatusActive,
		StartedAt:      time.Now(),
	}
	m.active[in.SessionID] = entry
	m.mu.Unlock()

	if err := m.meta.SaveGhapEntry(ctx, entry); err != nil {
		m.mu.Lock()
		delete(m.active, in.SessionID)
		m.mu.Unlock()
		return nil, amerrors.StorageError("save ghap entry on start", err)
	}

	if err := m.journal(ctx, in.SessionID, "ghap_start", entry); err != nil {
		return nil, err
	}

	return entry, nil
}

// Update revises the hypothesis/actions/prediction of the active entry and
// increments its iteration count. Returns ErrNoActiveGhap if there is no
// entry in flight for the session. Updates are not journaled; only Start and
// Resolve append journal entries.
func (m *Machine) Update(ctx context.Context, sessionID string, hypothesis, prediction string, actions []string) (*store.GhapEntry, error) {
	m.mu.Lock()
	entry, ok := m.active[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoActiveGhap
	}

	if hypothesis != "" {
		entry.Hypothesis = hypothesis
	}
	if prediction != "" {
		entry.Prediction = prediction
	}
	if actions != nil {
		entry.Actions = actions
	}
	entry.IterationCount++
	m.mu.Unlock()

	if err := m.meta.SaveGhapEntry(ctx, entry); err != nil {
		return nil, amerrors.StorageError("save ghap entry on update", err)
	}
	return entry, nil
}

// GetActive returns the in-flight entry for a session, if any.
func (m *Machine) GetActive(sessionID string) (*store.GhapEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.active[sessionID]
	return entry, ok
}

// Resolve closes out the active entry for a session: assigns a confidence
// tier from the outcome, renders and embeds the applicable experience axes,
// and persists the entry plus its axis vectors in one logical operation.
// Returns ErrNoActiveGhap if there is no entry in flight.
func (m *Machine) Resolve(ctx context.Context, in ResolveInput) (*ResolveResult, error) {
	// Pop the entry out of the active map up front, rather than deleting it
	// only after persistence succeeds: a second concurrent resolve for the
	// same session must observe ErrNoActiveGhap immediately, not race the
	// first resolve's embed/persist round trip. If persistence fails the
	// entry is put back so a retry by the caller can still find it.
	m.mu.Lock()
	entry, ok := m.active[in.SessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoActiveGhap
	}
	delete(m.active, in.SessionID)
	m.mu.Unlock()

	if err := validateOutcome(in.Outcome); err != nil {
		m.restoreActive(in.SessionID, entry)
		return nil, err
	}
	if in.Outcome == store.OutcomeFalsified {
		if in.Surprise == "" || in.RootCause == "" {
			m.restoreActive(in.SessionID, entry)
			return nil, amerrors.ValidationError(
				"falsified outcome requires both surprise and root_cause", nil)
		}
	}

	now := time.Now()
	entry.Outcome = in.Outcome
	entry.Surprise = in.Surprise
	entry.RootCause = in.RootCause
	entry.Lesson = in.Lesson
	entry.Tier = tierForOutcome(in.Outcome)
	entry.Status = store.StatusResolved
	entry.ResolvedAt = &now

	axes := renderAxes(entry)

	if err := m.persistExperience(ctx, entry, axes); err != nil {
		entry.Status = store.StatusActive
		entry.ResolvedAt = nil
		m.restoreActive(in.SessionID, entry)
		return nil, err
	}

	if err := m.journal(ctx, in.SessionID, "ghap_resolve", entry); err != nil {
		return nil, err
	}

	return &ResolveResult{OK: true, ID: entry.ID}, nil
}

// restoreActive puts an entry back into the active map, used when a resolve
// attempt fails validation or persistence after the entry was already
// popped out.
func (m *Machine) restoreActive(sessionID string, entry *store.GhapEntry) {
	m.mu.Lock()
	m.active[sessionID] = entry
	m.mu.Unlock()
}

func validateOutcome(outcome store.GhapOutcome) error {
	switch outcome {
	case store.OutcomeConfirmed, store.OutcomeFalsified, store.OutcomeAbandoned:
		return nil
	default:
		return amerrors.ValidationError(fmt.Sprintf("unknown ghap outcome %q", outcome), nil)
	}
}

func tierForOutcome(outcome store.GhapOutcome) store.ConfidenceTier {
	switch outcome {
	case store.OutcomeConfirmed:
		return store.TierGold
	case store.OutcomeFalsified:
		return store.TierSilver
	case store.OutcomeAbandoned:
		return store.TierAbandoned
	default:
		return store.TierAbandoned
	}
}

func (m *Machine) journal(ctx context.Context, sessionID, kind string, entry *store.GhapEntry) error {
	payload := fmt.Sprintf(`{"ghap_id":%q,"domain":%q,"status":%q}`, entry.ID, entry.Domain, entry.Status)
	return m.meta.AppendJournalEntry(ctx, &store.SessionJournalEntry{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
