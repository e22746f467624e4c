// Package session orchestrates one geospatial AR session: each tick it
// evaluates localization, advances pending anchor resolutions, applies
// surface geometry changes and then handles queued user commands.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/geospatial-session/core"
	"github.com/signalsfoundry/geospatial-session/internal/anchors"
	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/internal/observability"
	"github.com/signalsfoundry/geospatial-session/internal/surfaces"
	"github.com/signalsfoundry/geospatial-session/model"
)

// DefaultFatalGrace is how long a fatal reason stays on screen before the
// session is torn down.
const DefaultFatalGrace = 5 * time.Second

const commandQueueSize = 64

// Settings are the tunables of one session.
type Settings struct {
	Localization          core.LocalizationConfig
	Quota                 int
	TerrainAltitudeOffset float64
	RooftopAltitudeOffset float64
	BuildingMaterials     int
	ShowGeometry          bool
	FatalGrace            time.Duration
	AnchorType            model.AnchorType
}

// DefaultSettings returns the stock session settings.
func DefaultSettings() Settings {
	return Settings{
		Localization:      core.DefaultLocalizationConfig(),
		Quota:             anchors.DefaultQuota,
		BuildingMaterials: surfaces.DefaultBuildingMaterials,
		ShowGeometry:      true,
		FatalGrace:        DefaultFatalGrace,
		AnchorType:        model.AnchorGeospatial,
	}
}

// Controller is the session orchestrator. Tick, Start and Close must be
// called from a single goroutine (the tick thread). Commands may be
// submitted and snapshots read from any goroutine.
type Controller struct {
	settings Settings
	collab   Collaborators

	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
	now     func() time.Time

	machine  *core.LocalizationStateMachine
	anchors  *anchors.Manager
	geometry *surfaces.Synchronizer

	anchorType   model.AnchorType
	showGeometry bool
	status       StatusBoard
	frame        uint64

	lastLocation model.LocationStatus
	lastTracking model.TrackingSessionState
	lastPose     *model.GeospatialPose

	fatal        *model.FatalError
	fatalElapsed time.Duration
	started      bool
	closed       bool

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once

	// postMu orders Post against closing done, so nothing is queued
	// after the final drain.
	postMu sync.Mutex

	mu       sync.RWMutex
	snapshot Snapshot
}

// Option customises Controller construction.
type Option func(*Controller)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTracer overrides the tracer used for tick and command spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock overrides the wall clock used for anchor timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController wires a session over its collaborators. Nothing runs
// until Start.
func NewController(settings Settings, collab Collaborators, opts ...Option) *Controller {
	c := &Controller{
		settings:     settings,
		collab:       collab,
		log:          logging.Noop(),
		tracer:       observability.Tracer(),
		now:          time.Now,
		anchorType:   settings.AnchorType,
		showGeometry: settings.ShowGeometry,
		cmds:         make(chan command, commandQueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.settings.FatalGrace < 0 {
		c.settings.FatalGrace = 0
	}
	if !c.anchorType.Valid() {
		c.anchorType = model.AnchorGeospatial
	}

	syncOpts := []surfaces.Option{
		surfaces.WithBuildingMaterials(settings.BuildingMaterials),
		surfaces.WithLogger(c.log.With(logging.String("component", "surfaces"))),
	}
	anchorOpts := []anchors.Option{
		anchors.WithQuota(settings.Quota),
		anchors.WithLogger(c.log.With(logging.String("component", "anchors"))),
		anchors.WithClock(c.now),
	}
	if c.metrics != nil {
		syncOpts = append(syncOpts, surfaces.WithMetricsRecorder(c.metrics))
		anchorOpts = append(anchorOpts, anchors.WithMetricsRecorder(c.metrics))
	}

	c.machine = core.NewLocalizationStateMachine(settings.Localization)
	c.geometry = surfaces.NewSynchronizer(collab.Renderer, syncOpts...)
	c.anchors = anchors.NewManager(collab.Backend, c.geometry, collab.History, collab.Renderer, anchorOpts...)
	c.anchors.Resolver().TerrainAltitudeOffset = settings.TerrainAltitudeOffset
	c.anchors.Resolver().RooftopAltitudeOffset = settings.RooftopAltitudeOffset

	c.publish()
	return c
}

// Start brings the location service up, loads anchor history and
// subscribes to surface detection. A missing collaborator or a location
// service that refuses to start makes the session fatal; the error is
// returned and the grace period starts with the next Tick.
func (c *Controller) Start(ctx context.Context) error {
	if c.closed {
		return model.ErrSessionTerminated
	}
	if c.started {
		return nil
	}
	c.started = true
	defer c.publish()

	if missing := c.collab.missing(); len(missing) > 0 {
		return c.enterFatal(ctx, model.Fatal(model.ErrSessionFatal, "missing required components: %s", strings.Join(missing, ", ")))
	}
	if err := c.collab.Location.Start(ctx); err != nil {
		return c.enterFatal(ctx, model.Fatal(model.ErrSessionFatal, "location service failed to start: %v", err))
	}
	c.lastLocation = c.collab.Location.Status()

	if err := c.anchors.LoadHistory(ctx); err != nil {
		c.log.Warn(ctx, "anchor history unavailable", logging.Err(err))
		c.status.Post("Saved anchors could not be loaded: %v", err)
	}
	if c.showGeometry {
		c.geometry.Subscribe(c.collab.Surfaces)
	}

	c.log.Info(ctx, "session started",
		logging.Int("history_entries", len(c.anchors.History())),
		logging.String("anchor_type", c.anchorType.String()),
		logging.Bool("show_geometry", c.showGeometry),
	)
	c.status.Post("Waiting for location and tracking")
	return nil
}

// Tick advances the session by dt. Once the session has been torn down
// it returns ErrSessionTerminated; on the tick that tears it down it
// returns the fatal error that caused it.
func (c *Controller) Tick(ctx context.Context, dt time.Duration) error {
	if c.closed {
		return model.ErrSessionTerminated
	}
	if !c.started {
		if err := c.Start(ctx); err != nil && c.fatal == nil {
			return err
		}
	}
	if dt < 0 {
		dt = 0
	}

	began := time.Now()
	c.frame++
	ctx, span := c.tracer.Start(ctx, "session.tick", trace.WithAttributes(
		attribute.Int64("session.frame", int64(c.frame)),
	))
	defer span.End()

	if c.fatal != nil {
		c.fatalElapsed += dt
		if c.fatalElapsed >= c.settings.FatalGrace {
			return c.terminate(ctx, span)
		}
		c.rejectCommands(c.fatal)
		c.publish()
		return nil
	}

	c.checkCollaborators(ctx)
	if c.fatal == nil {
		c.evaluate(ctx, dt)
	}
	if c.fatal == nil {
		c.pollPending(ctx)
		c.geometry.Drain(ctx)
		c.handleCommands(ctx)
	} else {
		c.rejectCommands(c.fatal)
	}

	span.SetAttributes(attribute.String("session.localization", c.machine.State().String()))
	if c.metrics != nil {
		c.metrics.ObserveTick(time.Since(began))
	}
	if c.fatal != nil && c.settings.FatalGrace == 0 {
		return c.terminate(ctx, span)
	}
	c.publish()
	return nil
}

func (c *Controller) terminate(ctx context.Context, span trace.Span) error {
	err := c.fatal
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Reason)
	c.Close(ctx)
	return err
}

// checkCollaborators turns hard collaborator failures into a fatal
// session error and posts location progress.
func (c *Controller) checkCollaborators(ctx context.Context) {
	loc := c.collab.Location.Status()
	if loc != c.lastLocation {
		c.log.Info(ctx, "location status changed",
			logging.String("from", c.lastLocation.String()),
			logging.String("to", loc.String()),
		)
		c.lastLocation = loc
		if loc == model.LocationRunning {
			c.status.Post("Location service running")
		}
	}
	switch loc {
	case model.LocationFailed:
		c.fail(ctx, "location service failed")
		return
	case model.LocationDisabled:
		c.fail(ctx, "location service is disabled")
		return
	}

	st := c.collab.Tracking.SessionState()
	if st != c.lastTracking {
		c.log.Debug(ctx, "tracking session state changed",
			logging.String("from", c.lastTracking.String()),
			logging.String("to", st.String()),
		)
		c.lastTracking = st
	}
	if st == model.TrackingSessionError {
		c.fail(ctx, "tracking session reported an error")
	}
}

func (c *Controller) fail(ctx context.Context, reason string) {
	if tr, ok := c.machine.Fail(reason); ok {
		c.observeTransition(ctx, tr)
	}
	_ = c.enterFatal(ctx, model.Fatal(model.ErrSessionFatal, "%s", reason))
}

func (c *Controller) evaluate(ctx context.Context, dt time.Duration) {
	ready := c.lastLocation == model.LocationRunning &&
		(c.lastTracking == model.TrackingSessionReady || c.lastTracking == model.TrackingSessionTracking)
	pose := c.collab.Tracking.EarthPose()
	if pose != nil {
		p := *pose
		c.lastPose = &p
	} else {
		c.lastPose = nil
	}

	for _, tr := range c.machine.Evaluate(c.lastPose, ready, dt) {
		c.observeTransition(ctx, tr)
		c.onTransition(ctx, tr)
	}
}

func (c *Controller) observeTransition(ctx context.Context, tr core.Transition) {
	if c.metrics != nil {
		c.metrics.ObserveTransition(tr.From, tr.To)
	}
	c.log.Info(ctx, "localization state changed",
		logging.String("from", tr.From.String()),
		logging.String("to", tr.To.String()),
		logging.String("reason", tr.Reason.String()),
		logging.Duration("not_localized_for", tr.Elapsed),
	)
	trace.SpanFromContext(ctx).AddEvent("localization.transition", trace.WithAttributes(
		attribute.String("from", tr.From.String()),
		attribute.String("to", tr.To.String()),
	))
}

func (c *Controller) onTransition(ctx context.Context, tr core.Transition) {
	switch {
	case tr.To == model.LocalizationLocalized:
		c.anchors.SetVisible(true)
		c.status.Post("Localized")
		if tr.FirstLocalized {
			c.replay(ctx)
		}
	case tr.Regression():
		c.anchors.SetVisible(false)
		if tr.Reason.TrackingLoss() {
			c.status.Post("Localization lost: %s", tr.Reason)
		} else {
			c.status.Post("Localization accuracy degraded: %s", tr.Reason)
		}
	case tr.To == model.LocalizationLocalizing:
		c.status.Post("Localizing: point the camera at buildings and street signs")
	case tr.To == model.LocalizationLost:
		c.status.Post("Tracking lost: %s", tr.Reason)
	case tr.To == model.LocalizationTimedOut:
		_ = c.enterFatal(ctx, model.Fatal(model.ErrLocalizationTimedOut,
			"not localized within %s", c.settings.Localization.Timeout))
	}
}

func (c *Controller) replay(ctx context.Context) {
	report, ran := c.anchors.ReplayHistory(ctx)
	if !ran || report.Attempted == 0 {
		return
	}
	for _, err := range report.Errors {
		c.status.Post("Saved anchor could not be restored: %v", err)
	}
	c.status.Post("Restoring %d saved anchors", report.Attempted)
}

func (c *Controller) pollPending(ctx context.Context) {
	camera := model.Pose{}
	if c.collab.Tracking != nil {
		camera = c.collab.Tracking.CameraPose()
	}
	for _, ev := range c.anchors.PollPending(ctx, camera) {
		switch ev.Kind {
		case anchors.EventFailed:
			c.status.Post("%s anchor could not be resolved: %v", ev.Record.Type, ev.Err)
		case anchors.EventHistoryWriteFailed:
			c.status.Post("%s anchor placed but not saved: %v", ev.Record.Type, ev.Err)
		}
	}
}

// enterFatal records the first fatal error; later ones are logged only.
func (c *Controller) enterFatal(ctx context.Context, fe *model.FatalError) error {
	if c.fatal != nil {
		c.log.Warn(ctx, "additional fatal error during grace period", logging.Err(fe))
		return c.fatal
	}
	c.fatal = fe
	c.fatalElapsed = 0
	c.anchors.SetVisible(false)
	if c.metrics != nil {
		c.metrics.IncFatal()
	}
	c.log.Error(ctx, "session fatal error",
		logging.Err(fe),
		logging.Duration("grace", c.settings.FatalGrace),
	)
	c.status.Post("Fatal: %s", fe.Reason)
	return fe
}

// Close tears the session down: pending resolutions are cancelled, render
// objects released, the surface subscription ended and the location
// service stopped. History is kept. Close is idempotent.
func (c *Controller) Close(ctx context.Context) {
	if c.closed {
		return
	}
	c.closed = true
	c.anchors.Close()
	c.geometry.Close()
	if c.collab.Location != nil && c.started {
		c.collab.Location.Stop()
	}
	c.postMu.Lock()
	c.closeOnce.Do(func() { close(c.done) })
	c.postMu.Unlock()
	c.rejectCommands(model.ErrSessionTerminated)
	c.log.Info(ctx, "session closed")
	c.publish()
}

// Done is closed when the session has been torn down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the fatal error, if any.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.err
}

// IsFatal reports whether err ends the session.
func IsFatal(err error) bool {
	return errors.Is(err, model.ErrSessionFatal) || errors.Is(err, model.ErrLocalizationTimedOut)
}
