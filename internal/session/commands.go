package session

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/model"
)

// CommandKind enumerates the user actions a session accepts.
type CommandKind int

const (
	CommandPlace CommandKind = iota
	CommandClearAll
	CommandSetGeometry
	CommandSelectType
)

func (k CommandKind) String() string {
	switch k {
	case CommandPlace:
		return "place"
	case CommandClearAll:
		return "clear_all"
	case CommandSetGeometry:
		return "set_geometry"
	case CommandSelectType:
		return "select_type"
	default:
		return "unknown"
	}
}

// Tap is a placement gesture. Without a position the anchor is placed at
// the device's current geospatial pose; without an orientation it takes
// the device's current orientation.
type Tap struct {
	Position    *GeoPosition
	Orientation *model.Quaternion
	// Surface attaches a Geospatial anchor to a detected surface.
	Surface model.TrackableID
	// Type overrides the selected anchor type for this tap.
	Type *model.AnchorType
}

// GeoPosition is a WGS84 position.
type GeoPosition struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// Command is one queued user action.
type Command struct {
	Kind CommandKind
	Tap  Tap
	// Show is the requested geometry visibility for CommandSetGeometry.
	Show bool
	// AnchorType is the selection for CommandSelectType.
	AnchorType model.AnchorType
}

// Reply is the outcome of a command, produced on the tick thread.
type Reply struct {
	Anchor        model.AnchorID
	GeometryShown bool
	AnchorType    model.AnchorType
	Err           error
}

type command struct {
	Command
	reply chan Reply
}

// Post queues cmd for the next tick without waiting. The returned channel
// receives exactly one Reply.
func (c *Controller) Post(cmd Command) (<-chan Reply, error) {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	select {
	case <-c.done:
		return nil, model.ErrSessionTerminated
	default:
	}
	q := command{Command: cmd, reply: make(chan Reply, 1)}
	select {
	case c.cmds <- q:
		return q.reply, nil
	default:
		return nil, fmt.Errorf("session command queue full")
	}
}

// Submit queues cmd and waits for the tick thread to handle it.
func (c *Controller) Submit(ctx context.Context, cmd Command) (Reply, error) {
	ch, err := c.Post(cmd)
	if err != nil {
		return Reply{}, err
	}
	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-c.done:
		select {
		case r := <-ch:
			return r, r.Err
		default:
			return Reply{}, model.ErrSessionTerminated
		}
	}
}

// Place submits a placement tap.
func (c *Controller) Place(ctx context.Context, tap Tap) (model.AnchorID, error) {
	r, err := c.Submit(ctx, Command{Kind: CommandPlace, Tap: tap})
	return r.Anchor, err
}

// ClearAll submits a clear-all action.
func (c *Controller) ClearAll(ctx context.Context) error {
	_, err := c.Submit(ctx, Command{Kind: CommandClearAll})
	return err
}

// SetGeometryVisible shows or hides surface geometry.
func (c *Controller) SetGeometryVisible(ctx context.Context, show bool) error {
	_, err := c.Submit(ctx, Command{Kind: CommandSetGeometry, Show: show})
	return err
}

// SelectAnchorType sets the type used by subsequent taps.
func (c *Controller) SelectAnchorType(ctx context.Context, t model.AnchorType) error {
	_, err := c.Submit(ctx, Command{Kind: CommandSelectType, AnchorType: t})
	return err
}

func (c *Controller) handleCommands(ctx context.Context) {
	for {
		select {
		case q := <-c.cmds:
			q.reply <- c.execute(ctx, q.Command)
		default:
			return
		}
	}
}

func (c *Controller) rejectCommands(err error) {
	for {
		select {
		case q := <-c.cmds:
			c.status.Note("Ignored %s: session ending", q.Kind)
			q.reply <- Reply{Err: err}
		default:
			return
		}
	}
}

func (c *Controller) execute(ctx context.Context, cmd Command) Reply {
	ctx, span := c.tracer.Start(ctx, "session.command", trace.WithAttributes(
		attribute.String("session.command", cmd.Kind.String()),
	))
	defer span.End()

	var r Reply
	switch cmd.Kind {
	case CommandPlace:
		r.Anchor, r.Err = c.place(ctx, cmd.Tap)
	case CommandClearAll:
		r.Err = c.clearAll(ctx)
	case CommandSetGeometry:
		c.setGeometry(ctx, cmd.Show)
	case CommandSelectType:
		r.Err = c.selectType(ctx, cmd.AnchorType)
	default:
		r.Err = fmt.Errorf("unknown command %d", cmd.Kind)
	}
	r.GeometryShown = c.showGeometry
	r.AnchorType = c.anchorType
	if r.Err != nil {
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, r.Err.Error())
	}
	return r
}

func (c *Controller) place(ctx context.Context, tap Tap) (model.AnchorID, error) {
	if c.machine.State() != model.LocalizationLocalized || c.lastPose == nil {
		c.status.Post("Cannot place anchor until localized")
		return "", model.ErrNotLocalized
	}

	t := c.anchorType
	if tap.Type != nil {
		t = *tap.Type
	}
	req := model.PlacementRequest{
		Type:        t,
		Latitude:    c.lastPose.Latitude,
		Longitude:   c.lastPose.Longitude,
		Altitude:    c.lastPose.Altitude,
		Orientation: c.lastPose.Orientation,
		Surface:     tap.Surface,
		Source:      model.SourceInteractive,
	}
	if tap.Position != nil {
		req.Latitude = tap.Position.Latitude
		req.Longitude = tap.Position.Longitude
		req.Altitude = tap.Position.Altitude
	}
	if tap.Orientation != nil {
		req.Orientation = *tap.Orientation
	}

	id, err := c.anchors.PlaceAt(ctx, req)
	switch {
	case err == nil:
		if t == model.AnchorGeospatial {
			c.status.Post("Placed %s anchor", t)
		} else {
			c.status.Post("Resolving %s anchor", t)
		}
	case errors.Is(err, model.ErrQuotaExceeded):
		c.status.Post("Anchor limit of %d reached; clear anchors to place more", c.anchors.Quota())
	case errors.Is(err, model.ErrNoSurfaceAtLocation):
		c.status.Post("No surface at the tapped location")
	case errors.Is(err, model.ErrUnknownAnchorType):
		c.status.Post("Unknown anchor type")
	case id != "":
		// Placed, but the history write failed.
		c.status.Post("%s anchor placed but not saved: %v", t, err)
	default:
		c.status.Post("Anchor placement failed: %v", err)
	}
	if err != nil {
		c.log.Warn(ctx, "placement failed", logging.String("type", t.String()), logging.Err(err))
	}
	return id, err
}

func (c *Controller) clearAll(ctx context.Context) error {
	if err := c.anchors.ClearAll(ctx); err != nil {
		c.status.Post("Anchors could not be cleared: %v", err)
		return err
	}
	c.status.Post("Cleared all anchors")
	return nil
}

func (c *Controller) setGeometry(ctx context.Context, show bool) {
	if show == c.showGeometry {
		return
	}
	c.showGeometry = show
	if show {
		c.geometry.Subscribe(c.collab.Surfaces)
	} else {
		c.geometry.Hide()
	}
	c.log.Info(ctx, "surface geometry toggled", logging.Bool("show", show))
}

func (c *Controller) selectType(ctx context.Context, t model.AnchorType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %v", model.ErrUnknownAnchorType, t)
	}
	if t != c.anchorType {
		c.anchorType = t
		c.log.Info(ctx, "anchor type selected", logging.String("type", t.String()))
	}
	return nil
}
