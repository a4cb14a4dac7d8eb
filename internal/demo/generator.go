// Package demo seeds a demo pad and keeps its markers moving, so a fresh
// server has something to watch.
package demo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/padsync/server/internal/config"
	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/hub"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/store"
)

// home is the centre the walkers roam around.
var home = geo.Point{Lat: 52.5163, Lon: 13.3777}

const roam = 0.05

var world = geo.BoundingBox{Top: 90, Left: -180, Bottom: -90, Right: 180}

type walker struct {
	id      int64
	pos     geo.Point
	heading float64
	speed   float64
}

// Generator drives the demo pad through the hub as a server-side actor.
type Generator struct {
	store   store.Store
	hub     *hub.Hub
	logger  *zap.Logger
	cfg     config.DemoConfig
	rng     *rand.Rand
	typeID  int64
	walkers []*walker
}

func NewGenerator(st store.Store, h *hub.Hub, cfg config.DemoConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		store:  st,
		hub:    h,
		logger: logger,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start seeds the demo pad and moves its markers every cfg.Interval until
// ctx is done. Seeding reuses a pad and markers left by an earlier run.
func (g *Generator) Start(ctx context.Context) error {
	if err := g.seed(ctx); err != nil {
		return err
	}
	g.logger.Info("demo pad ready",
		zap.String("pad", g.cfg.PadID),
		zap.String("write_id", g.cfg.WriteID),
		zap.Int("markers", len(g.walkers)),
	)
	go g.run(ctx)
	return nil
}

func (g *Generator) seed(ctx context.Context) error {
	_, err := g.store.GetPadData(ctx, g.cfg.WriteID)
	fresh := errors.Is(err, store.ErrNotFound)
	switch {
	case fresh:
		if _, err := g.store.CreatePad(ctx, pad.PadCreate{ID: g.cfg.PadID, WriteID: g.cfg.WriteID, Name: "Demo pad"}); err != nil {
			return fmt.Errorf("create demo pad: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load demo pad: %w", err)
	}

	if err := g.ensureType(ctx); err != nil {
		return err
	}
	if fresh {
		if err := g.decorate(ctx); err != nil {
			return err
		}
	}

	existing, err := store.Collect(ctx, cursor(g.store.GetMarkers(ctx, g.cfg.PadID, geo.Full(world))))
	if err != nil {
		return fmt.Errorf("load demo markers: %w", err)
	}
	for _, m := range existing {
		if m.TypeID == g.typeID && len(g.walkers) < g.cfg.Markers {
			g.walkers = append(g.walkers, g.newWalker(m.ID, m.Position()))
		}
	}
	for len(g.walkers) < g.cfg.Markers {
		pos := geo.Point{
			Lat: home.Lat + (g.rng.Float64()-0.5)*roam,
			Lon: home.Lon + (g.rng.Float64()-0.5)*roam,
		}
		res, err := g.apply(ctx, hub.OpAddMarker, map[string]any{
			"lat":    pos.Lat,
			"lon":    pos.Lon,
			"name":   fmt.Sprintf("Walker %d", len(g.walkers)+1),
			"colour": fmt.Sprintf("%06x", g.rng.Intn(0xffffff)),
			"typeId": g.typeID,
		})
		if err != nil {
			return fmt.Errorf("create demo marker: %w", err)
		}
		g.walkers = append(g.walkers, g.newWalker(res.(pad.Marker).ID, pos))
	}
	return nil
}

func (g *Generator) ensureType(ctx context.Context) error {
	types, err := store.Collect(ctx, cursor(g.store.GetTypes(ctx, g.cfg.PadID)))
	if err != nil {
		return fmt.Errorf("load demo types: %w", err)
	}
	for _, t := range types {
		if t.Type == pad.TypeMarker {
			g.typeID = t.ID
			return nil
		}
	}
	res, err := g.apply(ctx, hub.OpAddType, map[string]any{"name": "Walker", "type": pad.TypeMarker})
	if err != nil {
		return fmt.Errorf("create demo type: %w", err)
	}
	g.typeID = res.(pad.Type).ID
	return nil
}

// decorate adds a route and a default view to a new demo pad.
func (g *Generator) decorate(ctx context.Context) error {
	res, err := g.apply(ctx, hub.OpAddType, map[string]any{"name": "Route", "type": pad.TypeLine})
	if err != nil {
		return fmt.Errorf("create demo route type: %w", err)
	}
	routeType := res.(pad.Type).ID

	var points []geo.Point
	for i := 0; i <= 12; i++ {
		a := float64(i) / 12 * 2 * math.Pi
		points = append(points, geo.Point{
			Lat: home.Lat + math.Sin(a)*roam/2,
			Lon: home.Lon + math.Cos(a)*roam/2,
		})
	}
	if _, err := g.apply(ctx, hub.OpAddLine, map[string]any{
		"points": points,
		"name":   "Loop",
		"typeId": routeType,
	}); err != nil {
		return fmt.Errorf("create demo route: %w", err)
	}

	res, err = g.apply(ctx, hub.OpAddView, map[string]any{
		"name":      "Home",
		"baseLayer": "Mpnk",
		"top":       home.Lat + roam,
		"left":      home.Lon - roam,
		"bottom":    home.Lat - roam,
		"right":     home.Lon + roam,
	})
	if err != nil {
		return fmt.Errorf("create demo view: %w", err)
	}
	if _, err := g.apply(ctx, hub.OpEditPad, map[string]any{"defaultViewId": res.(pad.View).ID}); err != nil {
		return fmt.Errorf("set demo default view: %w", err)
	}
	return nil
}

func (g *Generator) newWalker(id int64, pos geo.Point) *walker {
	return &walker{
		id:      id,
		pos:     pos,
		heading: g.rng.Float64() * 2 * math.Pi,
		speed:   roam / 50 * (0.5 + g.rng.Float64()),
	}
}

func (w *walker) ahead() geo.Point {
	return geo.Point{
		Lat: w.pos.Lat + math.Cos(w.heading)*w.speed,
		Lon: w.pos.Lon + math.Sin(w.heading)*w.speed,
	}
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range g.walkers {
				g.step(ctx, w)
			}
		}
	}
}

// step moves w and commits the new position. A marker that a user deleted
// is put back.
func (g *Generator) step(ctx context.Context, w *walker) {
	w.heading += (g.rng.Float64() - 0.5) * 0.8
	next := w.ahead()
	if math.Abs(next.Lat-home.Lat) > roam || math.Abs(next.Lon-home.Lon) > roam {
		// turn back towards home
		w.heading = math.Atan2(home.Lon-w.pos.Lon, home.Lat-w.pos.Lat)
		next = w.ahead()
	}
	w.pos = next

	_, err := g.apply(ctx, hub.OpEditMarker, map[string]any{"id": w.id, "lat": next.Lat, "lon": next.Lon})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		res, err := g.apply(ctx, hub.OpAddMarker, map[string]any{
			"lat": next.Lat, "lon": next.Lon, "name": "Walker", "typeId": g.typeID,
		})
		if err != nil {
			g.logger.Warn("failed to restore demo marker", zap.Int64("marker", w.id), zap.Error(err))
			return
		}
		w.id = res.(pad.Marker).ID
	case ctx.Err() != nil:
	default:
		g.logger.Warn("failed to move demo marker", zap.Int64("marker", w.id), zap.Error(err))
	}
}

func (g *Generator) apply(ctx context.Context, op string, payload map[string]any) (any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return g.hub.Apply(ctx, g.cfg.PadID, op, raw)
}

func cursor[T any](c store.Cursor[T], err error) store.Cursor[T] {
	if err != nil {
		return store.ErrCursor[T](err)
	}
	return c
}
