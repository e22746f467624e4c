package anchors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/geospatial-session/core"
	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/model"
)

// DefaultQuota is the maximum number of live anchors per session.
const DefaultQuota = 20

// HistoryStore persists anchor history across restarts.
type HistoryStore interface {
	Append(ctx context.Context, e model.AnchorHistoryEntry) error
	Load(ctx context.Context) ([]model.AnchorHistoryEntry, error)
	Clear(ctx context.Context) error
}

// Renderer owns the render objects for anchors.
type Renderer interface {
	SpawnAnchor(rec model.AnchorRecord) model.RenderHandle
	SetAnchorVisible(h model.RenderHandle, visible bool)
	ReleaseAnchor(h model.RenderHandle)
}

// MetricsRecorder receives anchor table counts and placement outcomes.
type MetricsRecorder interface {
	SetAnchorCounts(live, pending, history int)
	ObservePlacement(anchorType, source, outcome string)
}

// EventKind classifies what PollPending observed.
type EventKind int

const (
	EventResolved EventKind = iota
	EventFailed
	// EventHistoryWriteFailed is reported when an anchor resolved but its
	// history entry could not be persisted.
	EventHistoryWriteFailed
)

// Event is one completed resolution.
type Event struct {
	Kind   EventKind
	Record model.AnchorRecord
	Err    error
}

// PendingResolution ties an in-flight backend request to the record and
// history entry it will produce.
type PendingResolution struct {
	ID     model.AnchorID
	Type   model.AnchorType
	Entry  model.AnchorHistoryEntry
	Source model.PlacementSource
	future Future
}

// ReplayReport summarises one history replay.
type ReplayReport struct {
	Attempted int
	Placed    []model.AnchorID
	Errors    []error
}

// Manager owns the live anchor table and the anchor history. It is
// driven from the tick thread only and is not safe for concurrent use.
type Manager struct {
	resolver *Resolver
	backend  Backend
	history  HistoryStore
	renderer Renderer
	quota    int

	log     logging.Logger
	metrics MetricsRecorder
	now     func() time.Time
	newID   func() model.AnchorID

	records map[model.AnchorID]*model.AnchorRecord
	order   []model.AnchorID
	pending []*PendingResolution
	entries []model.AnchorHistoryEntry

	visible  bool
	replayed bool
	closed   bool
}

// Option customises Manager construction.
type Option func(*Manager)

// WithQuota overrides the live anchor quota.
func WithQuota(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.quota = n
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithClock overrides the clock used to stamp history entries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides anchor id generation.
func WithIDGenerator(gen func() model.AnchorID) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// NewManager wires a manager. Anchors start hidden until the session
// localizes.
func NewManager(backend Backend, surfaces SurfaceLookup, history HistoryStore, renderer Renderer, opts ...Option) *Manager {
	m := &Manager{
		resolver: NewResolver(backend, surfaces),
		backend:  backend,
		history:  history,
		renderer: renderer,
		quota:    DefaultQuota,
		log:      logging.Noop(),
		now:      time.Now,
		newID:    func() model.AnchorID { return model.AnchorID(uuid.NewString()) },
		records:  make(map[model.AnchorID]*model.AnchorRecord),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Resolver exposes the resolver so callers can tune altitude offsets.
func (m *Manager) Resolver() *Resolver { return m.resolver }

// Quota returns the live anchor limit.
func (m *Manager) Quota() int { return m.quota }

// LoadHistory replaces the in-memory history with the persisted one.
func (m *Manager) LoadHistory(ctx context.Context) error {
	entries, err := m.history.Load(ctx)
	if err != nil {
		return fmt.Errorf("load anchor history: %w", err)
	}
	m.entries = entries
	m.updateMetrics()
	m.log.Info(ctx, "loaded anchor history", logging.Int("entries", len(entries)))
	return nil
}

// PlaceAt is the single placement entry point for interactive taps and
// history replay. Geospatial anchors resolve immediately; Terrain and
// Rooftop anchors return a provisional id in Pending status.
func (m *Manager) PlaceAt(ctx context.Context, req model.PlacementRequest) (model.AnchorID, error) {
	id, err := m.placeAt(ctx, req)
	outcome := "pending"
	switch {
	case err != nil:
		outcome = placementOutcome(err)
	case req.Type == model.AnchorGeospatial:
		outcome = "resolved"
	}
	if m.metrics != nil {
		m.metrics.ObservePlacement(req.Type.String(), req.Source.String(), outcome)
	}
	m.updateMetrics()
	return id, err
}

func (m *Manager) placeAt(ctx context.Context, req model.PlacementRequest) (model.AnchorID, error) {
	if m.closed {
		return "", model.ErrSessionTerminated
	}
	if !req.Type.Valid() {
		return "", fmt.Errorf("%w: %v", model.ErrUnknownAnchorType, req.Type)
	}
	if len(m.records) >= m.quota {
		return "", fmt.Errorf("%w: %d live anchors", model.ErrQuotaExceeded, len(m.records))
	}
	if req.Orientation.IsZero() {
		req.Orientation = model.IdentityQuaternion
	}

	attempt, err := m.resolver.Begin(req)
	if err != nil {
		m.log.Warn(ctx, "anchor placement rejected",
			logging.String("type", req.Type.String()),
			logging.String("source", req.Source.String()),
			logging.String("error", err.Error()),
		)
		return "", err
	}

	rec := &model.AnchorRecord{
		ID:          m.newID(),
		Type:        req.Type,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		Altitude:    req.Altitude,
		Orientation: req.Orientation,
		Status:      model.ResolutionPending,
		Scale:       1,
		Source:      req.Source,
		CreatedAt:   m.now(),
	}
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)

	if attempt.Immediate != nil {
		if err := m.resolve(ctx, rec, *attempt.Immediate, model.Pose{}); err != nil {
			return rec.ID, err
		}
		return rec.ID, nil
	}

	m.pending = append(m.pending, &PendingResolution{
		ID:     rec.ID,
		Type:   rec.Type,
		Entry:  rec.History(),
		Source: req.Source,
		future: attempt.Future,
	})
	m.log.Debug(ctx, "anchor resolution pending",
		logging.String("anchor_id", string(rec.ID)),
		logging.String("type", rec.Type.String()),
	)
	return rec.ID, nil
}

// resolve marks rec Resolved, spawns its render object, and appends
// history for interactive placements. A history write failure leaves the
// anchor in place and is returned to the caller.
func (m *Manager) resolve(ctx context.Context, rec *model.AnchorRecord, res Result, camera model.Pose) error {
	rec.Status = model.ResolutionResolved
	rec.Anchor = res.Anchor
	rec.Pose = res.Pose
	if rec.Type == model.AnchorRooftop {
		rec.Scale = core.RooftopScale(core.Distance(camera.Position, res.Pose.Position))
	}
	if m.renderer != nil {
		rec.Render = m.renderer.SpawnAnchor(*rec)
		if !m.visible {
			m.renderer.SetAnchorVisible(rec.Render, false)
		}
	}

	m.log.Info(ctx, "anchor resolved",
		logging.String("anchor_id", string(rec.ID)),
		logging.String("type", rec.Type.String()),
		logging.String("source", rec.Source.String()),
	)

	if rec.Source == model.SourceReplay {
		return nil
	}
	entry := rec.History()
	if err := m.history.Append(ctx, entry); err != nil {
		m.log.Error(ctx, "failed to persist anchor history",
			logging.String("anchor_id", string(rec.ID)),
			logging.String("error", err.Error()),
		)
		return fmt.Errorf("append anchor history: %w", err)
	}
	m.entries = append(m.entries, entry)
	return nil
}

// PollPending advances every in-flight resolution once. camera is the
// current camera pose, used to scale rooftop anchors. Failures are
// terminal for the attempt; nothing is retried.
func (m *Manager) PollPending(ctx context.Context, camera model.Pose) []Event {
	if len(m.pending) == 0 {
		return nil
	}

	var events []Event
	remaining := m.pending[:0]
	for _, p := range m.pending {
		res, done := m.resolver.Poll(p.future)
		if !done {
			remaining = append(remaining, p)
			continue
		}

		rec, ok := m.records[p.ID]
		if !ok {
			continue
		}

		if res.State != ResultSucceeded {
			m.removeRecord(p.ID)
			err := fmt.Errorf("%w: %s %s", model.ErrResolutionFailed, rec.Type, resultReason(res))
			m.log.Warn(ctx, "anchor resolution failed",
				logging.String("anchor_id", string(rec.ID)),
				logging.String("type", rec.Type.String()),
				logging.String("reason", resultReason(res)),
			)
			rec.Status = model.ResolutionFailed
			events = append(events, Event{Kind: EventFailed, Record: *rec, Err: err})
			if m.metrics != nil {
				m.metrics.ObservePlacement(rec.Type.String(), p.Source.String(), "failed")
			}
			continue
		}

		if err := m.resolve(ctx, rec, res, camera); err != nil {
			events = append(events, Event{Kind: EventHistoryWriteFailed, Record: *rec, Err: err})
		} else {
			events = append(events, Event{Kind: EventResolved, Record: *rec})
		}
		if m.metrics != nil {
			m.metrics.ObservePlacement(rec.Type.String(), p.Source.String(), "resolved")
		}
	}
	for i := len(remaining); i < len(m.pending); i++ {
		m.pending[i] = nil
	}
	m.pending = remaining
	m.updateMetrics()
	return events
}

func resultReason(res Result) string {
	if res.Reason != "" {
		return res.Reason
	}
	return res.State.String()
}

// ReplayHistory places every history entry, in stored order, through the
// same path as interactive placement. It runs at most once per session;
// later calls return a zero report and false.
func (m *Manager) ReplayHistory(ctx context.Context) (ReplayReport, bool) {
	if m.replayed || m.closed {
		return ReplayReport{}, false
	}
	m.replayed = true
	if len(m.entries) == 0 {
		return ReplayReport{}, true
	}

	entries := append([]model.AnchorHistoryEntry(nil), m.entries...)
	report := ReplayReport{Attempted: len(entries)}
	for _, e := range entries {
		id, err := m.PlaceAt(ctx, model.PlacementRequest{
			Type:        e.Type,
			Latitude:    e.Latitude,
			Longitude:   e.Longitude,
			Altitude:    e.Altitude,
			Orientation: core.ReplayOrientation(e),
			Source:      model.SourceReplay,
		})
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.Placed = append(report.Placed, id)
	}
	m.log.Info(ctx, "replayed anchor history",
		logging.Int("attempted", report.Attempted),
		logging.Int("placed", len(report.Placed)),
		logging.Int("errors", len(report.Errors)),
	)
	return report, true
}

// Replayed reports whether history replay has run this session.
func (m *Manager) Replayed() bool { return m.replayed }

// ClearAll destroys every live anchor and empties history together. If
// the persisted history cannot be cleared nothing is touched.
func (m *Manager) ClearAll(ctx context.Context) error {
	if m.closed {
		return model.ErrSessionTerminated
	}
	if err := m.history.Clear(ctx); err != nil {
		return fmt.Errorf("clear anchor history: %w", err)
	}
	cleared := len(m.records)
	m.dropAll()
	m.entries = nil
	m.updateMetrics()
	m.log.Info(ctx, "cleared all anchors", logging.Int("anchors", cleared))
	return nil
}

// Close tears the manager down: pending futures are cancelled and render
// objects released without waiting. History is left intact.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.dropAll()
	m.closed = true
	m.updateMetrics()
}

func (m *Manager) dropAll() {
	for _, p := range m.pending {
		if p.future != nil {
			p.future.Cancel()
		}
	}
	m.pending = nil
	for _, id := range append([]model.AnchorID(nil), m.order...) {
		m.removeRecord(id)
	}
}

func (m *Manager) removeRecord(id model.AnchorID) {
	rec, ok := m.records[id]
	if !ok {
		return
	}
	if rec.Render != 0 && m.renderer != nil {
		m.renderer.ReleaseAnchor(rec.Render)
	}
	if rec.Anchor != "" && m.backend != nil {
		m.backend.Remove(rec.Anchor)
	}
	delete(m.records, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// SetVisible shows or hides every resolved anchor. New anchors inherit
// the current visibility.
func (m *Manager) SetVisible(visible bool) {
	if m.visible == visible {
		return
	}
	m.visible = visible
	if m.renderer == nil {
		return
	}
	for _, id := range m.order {
		if rec := m.records[id]; rec.Render != 0 {
			m.renderer.SetAnchorVisible(rec.Render, visible)
		}
	}
}

// Visible reports whether anchors are currently shown.
func (m *Manager) Visible() bool { return m.visible }

// AffordanceVisible reports whether the placement affordance should be
// offered: anchors are shown and the quota has room.
func (m *Manager) AffordanceVisible() bool {
	return m.visible && !m.closed && len(m.records) < m.quota
}

// Count returns the number of live anchors, pending ones included.
func (m *Manager) Count() int { return len(m.records) }

// PendingCount returns the number of in-flight resolutions.
func (m *Manager) PendingCount() int { return len(m.pending) }

// Get returns a copy of a live record.
func (m *Manager) Get(id model.AnchorID) (model.AnchorRecord, bool) {
	rec, ok := m.records[id]
	if !ok {
		return model.AnchorRecord{}, false
	}
	return *rec, true
}

// Records returns copies of the live records in placement order.
func (m *Manager) Records() []model.AnchorRecord {
	out := make([]model.AnchorRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.records[id])
	}
	return out
}

// History returns a copy of the in-memory history.
func (m *Manager) History() []model.AnchorHistoryEntry {
	return append([]model.AnchorHistoryEntry(nil), m.entries...)
}

func (m *Manager) updateMetrics() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetAnchorCounts(len(m.records), len(m.pending), len(m.entries))
}

func placementOutcome(err error) string {
	switch {
	case errors.Is(err, model.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, model.ErrNoSurfaceAtLocation):
		return "no_surface"
	case errors.Is(err, model.ErrResolutionFailed):
		return "failed"
	case errors.Is(err, model.ErrUnknownAnchorType):
		return "invalid"
	case errors.Is(err, model.ErrSessionTerminated):
		return "terminated"
	default:
		return "error"
	}
}
