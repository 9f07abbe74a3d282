package planner

import (
	"math"

	"github.com/gridline-robotics/warden/model"
)

// RouteMode describes how a preview route was built.
type RouteMode string

const (
	RouteStraight RouteMode = "straight"
	RouteDetour   RouteMode = "detour"
)

// PreviewRoute returns a lightweight path polyline from start to goal.
// A straight line is tried first; when it passes within clearance of an
// obstacle, one perpendicular detour waypoint is inserted around the first
// blocking obstacle.
func PreviewRoute(start, goal Goal, obstacles []model.Obstacle, clearanceM float64) ([]Goal, RouteMode) {
	var blocking *model.Obstacle
	for i, ob := range obstacles {
		r := ob.R
		if r == 0 {
			r = 0.4
		}
		if segmentPointDistance(ob.X, ob.Y, start.X, start.Y, goal.X, goal.Y) <= r+clearanceM {
			blocking = &obstacles[i]
			break
		}
	}
	if blocking == nil {
		return []Goal{start, goal}, RouteStraight
	}

	r := blocking.R
	if r == 0 {
		r = 0.4
	}
	dx, dy := goal.X-start.X, goal.Y-start.Y
	norm := math.Hypot(dx, dy)
	if norm == 0 {
		norm = 1
	}
	// Unit perpendicular to the direct line.
	px, py := -dy/norm, dx/norm

	detourDist := r + clearanceM + 1.0
	c1 := Goal{X: blocking.X + px*detourDist, Y: blocking.Y + py*detourDist}
	c2 := Goal{X: blocking.X - px*detourDist, Y: blocking.Y - py*detourDist}

	// Pick the side whose legs keep more distance from the obstacle.
	score := func(c Goal) float64 {
		d1 := segmentPointDistance(blocking.X, blocking.Y, start.X, start.Y, c.X, c.Y)
		d2 := segmentPointDistance(blocking.X, blocking.Y, c.X, c.Y, goal.X, goal.Y)
		return math.Min(d1, d2)
	}
	c := c1
	if score(c2) > score(c1) {
		c = c2
	}
	return []Goal{start, c, goal}, RouteDetour
}

// segmentPointDistance returns the distance from point P to segment AB.
func segmentPointDistance(px, py, ax, ay, bx, by float64) float64 {
	abx, aby := bx-ax, by-ay
	ab2 := abx*abx + aby*aby
	if ab2 <= 1e-9 {
		return math.Hypot(px-ax, py-ay)
	}
	t := ((px-ax)*abx + (py-ay)*aby) / ab2
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(px-(ax+t*abx), py-(ay+t*aby))
}
