package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/geospatial-session/internal/anchors"
	"github.com/signalsfoundry/geospatial-session/internal/history"
	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/internal/session"
	"github.com/signalsfoundry/geospatial-session/model"
	"github.com/signalsfoundry/geospatial-session/timectrl"
)

// World bundles the simulated collaborators of one session.
type World struct {
	Origin   model.GeospatialPose
	Tracking *Tracking
	Location *Location
	Backend  *AnchorBackend
	Feed     *SurfaceFeed
	Renderer *Renderer
}

// NewWorld builds the collaborators a scenario describes.
func NewWorld(sc *Scenario, log logging.Logger) *World {
	origin := sc.OriginPose()
	opts := []BackendOption{
		WithTerrainElevation(sc.TerrainElevation),
		WithRooftopHeight(sc.RooftopHeight),
		WithCoverageRadius(sc.CoverageRadius),
	}
	if sc.ResolveAfter != nil {
		opts = append(opts, WithResolveAfter(*sc.ResolveAfter))
	}
	loc := NewLocation()
	loc.SetLastKnown(origin.Latitude, origin.Longitude)
	return &World{
		Origin:   origin,
		Tracking: NewTracking(origin),
		Location: loc,
		Backend:  NewAnchorBackend(origin, opts...),
		Feed:     NewSurfaceFeed(),
		Renderer: NewRenderer(log),
	}
}

// Collaborators wires the world into a session.
func (w *World) Collaborators(store anchors.HistoryStore) session.Collaborators {
	return session.Collaborators{
		Tracking: w.Tracking,
		Location: w.Location,
		Backend:  w.Backend,
		Surfaces: w.Feed,
		Renderer: w.Renderer,
		History:  store,
	}
}

// Summary describes how a scenario run ended.
type Summary struct {
	Scenario string
	Frames   uint64
	Elapsed  time.Duration

	Localization model.LocalizationState
	// LocalizedAt is when the session first localized; zero if never.
	LocalizedAt time.Duration

	Placed   int
	Rejected []string

	Anchors        int
	Pending        int
	HistoryEntries int
	Surfaces       int
	BackendCalls   int

	Status     string
	Messages   []string
	Fatal      string
	Terminated bool
}

// Runner plays a scenario against a session controller in accelerated
// time.
type Runner struct {
	scenario *Scenario
	settings session.Settings
	log      logging.Logger
	metrics  session.MetricsRecorder
	tracer   trace.Tracer
	history  anchors.HistoryStore
	start    time.Time

	world *World
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger shared by the session and the world.
func WithRunnerLogger(l logging.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRunnerMetrics forwards session metrics to m.
func WithRunnerMetrics(m session.MetricsRecorder) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRunnerTracer sets the tracer used by the session.
func WithRunnerTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithHistoryStore replaces the in-memory history seeded from the
// scenario. The store is used as is; scenario history is ignored.
func WithHistoryStore(s anchors.HistoryStore) RunnerOption {
	return func(r *Runner) { r.history = s }
}

// WithStartTime sets the simulated wall clock at frame zero.
func WithStartTime(t time.Time) RunnerOption {
	return func(r *Runner) { r.start = t }
}

// NewRunner prepares a run of sc with the given session settings.
func NewRunner(sc *Scenario, settings session.Settings, opts ...RunnerOption) *Runner {
	r := &Runner{
		scenario: sc,
		settings: settings,
		log:      logging.Noop(),
		start:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// World returns the collaborators of the most recently prepared run, or
// nil.
func (r *Runner) World() *World { return r.world }

// errStopped ends the frame loop once the session has torn itself down.
var errStopped = errors.New("session stopped")

// Run plays the scenario to completion in accelerated time. A session
// that ends on a fatal error is not a run failure; it is reported in the
// Summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	return r.Prepare(timectrl.Accelerated).Run(ctx, r.scenario.Duration.Std())
}

// Playback is a prepared scenario run: the world, the controller driven
// by it and the frame clock.
type Playback struct {
	runner     *Runner
	World      *World
	Controller *session.Controller
	Clock      *timectrl.TimeController

	sum       Summary
	next      int
	replies   []<-chan session.Reply
	afterTick []func(session.Snapshot)
}

// Prepare builds the world and controller without stepping any frame.
func (r *Runner) Prepare(mode timectrl.Mode) *Playback {
	sc := r.scenario
	world := NewWorld(sc, r.log)
	r.world = world
	store := r.history
	if store == nil {
		store = history.NewMemoryStore(sc.HistoryEntries()...)
	}

	tc := timectrl.NewTimeController(r.start, sc.Tick.Std(), mode)

	opts := []session.Option{session.WithLogger(r.log), session.WithClock(tc.Now)}
	if r.metrics != nil {
		opts = append(opts, session.WithMetricsRecorder(r.metrics))
	}
	if r.tracer != nil {
		opts = append(opts, session.WithTracer(r.tracer))
	}

	p := &Playback{
		runner:     r,
		World:      world,
		Controller: session.NewController(r.settings, world.Collaborators(store), opts...),
		Clock:      tc,
		sum:        Summary{Scenario: sc.Name},
	}
	tc.AddListener(p.frame)
	return p
}

// AfterTick registers fn to receive the snapshot published by every tick.
func (p *Playback) AfterTick(fn func(session.Snapshot)) {
	p.afterTick = append(p.afterTick, fn)
}

// Run steps frames for duration (forever when zero) and closes the
// session on return.
func (p *Playback) Run(ctx context.Context, duration time.Duration) (Summary, error) {
	defer p.Controller.Close(context.WithoutCancel(ctx))

	name := p.runner.scenario.Name
	if err := p.Clock.Run(ctx, duration); err != nil && !errors.Is(err, errStopped) {
		p.finish()
		return p.sum, fmt.Errorf("sim: run %q: %w", name, err)
	}
	p.finish()

	p.runner.log.Info(ctx, "scenario finished",
		logging.String("scenario", name),
		logging.Int("frames", int(p.sum.Frames)),
		logging.String("localization", p.sum.Localization.String()),
		logging.Int("anchors", p.sum.Anchors),
		logging.Int("placed", p.sum.Placed),
		logging.Bool("terminated", p.sum.Terminated),
	)
	return p.sum, nil
}

func (p *Playback) frame(ctx context.Context, now time.Time, dt time.Duration) error {
	r := p.runner
	steps := r.scenario.Steps
	elapsed := now.Sub(r.start)
	for p.next < len(steps) && steps[p.next].At.Std() <= elapsed {
		ch, err := r.apply(ctx, p.World, p.Controller, steps[p.next])
		if err != nil {
			p.sum.Rejected = append(p.sum.Rejected, err.Error())
		}
		p.replies = append(p.replies, ch...)
		p.next++
	}

	err := p.Controller.Tick(ctx, dt)
	p.sum.Frames++
	p.sum.Elapsed = elapsed

	for _, ch := range p.replies {
		select {
		case rep := <-ch:
			if rep.Err != nil {
				p.sum.Rejected = append(p.sum.Rejected, rep.Err.Error())
			} else if rep.Anchor != "" {
				p.sum.Placed++
			}
		default:
		}
	}
	p.replies = p.replies[:0]

	snap := p.Controller.Snapshot()
	if p.sum.LocalizedAt == 0 && snap.Localization == model.LocalizationLocalized {
		p.sum.LocalizedAt = elapsed
	}
	for _, fn := range p.afterTick {
		fn(snap)
	}

	if err != nil {
		if session.IsFatal(err) || errors.Is(err, model.ErrSessionTerminated) {
			return errStopped
		}
		return err
	}
	return nil
}

func (p *Playback) finish() {
	snap := p.Controller.Snapshot()
	p.sum.Localization = snap.Localization
	p.sum.Anchors = len(snap.Anchors)
	p.sum.Pending = snap.Pending
	p.sum.HistoryEntries = snap.HistoryEntries
	p.sum.Surfaces = snap.Surfaces
	p.sum.BackendCalls = len(p.World.Backend.Calls())
	p.sum.Status = snap.Status
	p.sum.Messages = snap.Messages
	p.sum.Fatal = snap.Fatal
	p.sum.Terminated = snap.Terminated
}

// apply changes the world for one step and posts its commands. It
// returns the reply channels of posted commands.
func (r *Runner) apply(ctx context.Context, w *World, ctrl *session.Controller, st Step) ([]<-chan session.Reply, error) {
	if st.Tracking != "" {
		s, _ := ParseTrackingState(st.Tracking)
		w.Tracking.SetState(s)
	}
	if st.Location != "" {
		s, _ := ParseLocationStatus(st.Location)
		w.Location.SetStatus(s)
	}
	if st.LosePose {
		w.Tracking.SetPose(nil)
	}
	if st.Pose != nil {
		p := st.Pose.GeospatialPose(w.Origin)
		w.Tracking.SetPose(&p)
		w.Location.SetLastKnown(p.Latitude, p.Longitude)
	}
	if st.Surfaces != nil {
		w.Feed.Publish(st.Surfaces.Batch(w.Origin))
	}
	for name, n := range st.FailNext {
		t, _ := model.ParseAnchorType(name)
		w.Backend.FailNext(t, n)
	}

	var cmds []session.Command
	if st.SelectType != "" {
		t, _ := model.ParseAnchorType(st.SelectType)
		cmds = append(cmds, session.Command{Kind: session.CommandSelectType, AnchorType: t})
	}
	if st.ShowGeometry != nil {
		cmds = append(cmds, session.Command{Kind: session.CommandSetGeometry, Show: *st.ShowGeometry})
	}
	if st.ClearAll {
		cmds = append(cmds, session.Command{Kind: session.CommandClearAll})
	}
	if st.Place != nil {
		cmds = append(cmds, session.Command{Kind: session.CommandPlace, Tap: r.tap(w, *st.Place)})
	}

	var out []<-chan session.Reply
	var errs []error
	for _, cmd := range cmds {
		ch, err := ctrl.Post(cmd)
		if err != nil {
			r.log.Warn(ctx, "scenario command not queued",
				logging.String("command", cmd.Kind.String()),
				logging.Err(err),
			)
			errs = append(errs, err)
			continue
		}
		out = append(out, ch)
	}
	return out, errors.Join(errs...)
}

func (r *Runner) tap(w *World, p PlaceStep) session.Tap {
	tap := session.Tap{Surface: model.TrackableID(p.Surface)}
	if p.Type != "" {
		t, _ := model.ParseAnchorType(p.Type)
		tap.Type = &t
	}
	if p.East != nil || p.North != nil {
		var east, north float64
		if p.East != nil {
			east = *p.East
		}
		if p.North != nil {
			north = *p.North
		}
		step := PoseStep{East: east, North: north, Up: p.Up}
		pose := step.GeospatialPose(w.Origin)
		tap.Position = &session.GeoPosition{Latitude: pose.Latitude, Longitude: pose.Longitude, Altitude: pose.Altitude}
	}
	return tap
}
