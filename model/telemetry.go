package model

import "math"

// Rect is an axis-aligned rectangle. The geofence and zone extents use it;
// points exactly on the boundary are inside.
type Rect struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// Contains reports whether (x, y) lies inside the rectangle, boundary
// included.
func (r Rect) Contains(x, y float64) bool {
	return r.MinX <= x && x <= r.MaxX && r.MinY <= y && y <= r.MaxY
}

// ClampPoint projects (x, y) onto the rectangle.
func (r Rect) ClampPoint(x, y float64) (float64, float64) {
	return math.Min(math.Max(x, r.MinX), r.MaxX), math.Min(math.Max(y, r.MinY), r.MaxY)
}

// Obstacle is a circular obstruction on the floor plan.
type Obstacle struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	R float64 `json:"r"`
}

// Detection is a tracked moving entity: a walking human or an idle robot.
type Detection struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Conf float64 `json:"conf"`
	Type string  `json:"type"`
}

// Telemetry is one snapshot from the simulator's /telemetry endpoint.
type Telemetry struct {
	X                float64     `json:"x"`
	Y                float64     `json:"y"`
	Theta            float64     `json:"theta"`
	Speed            float64     `json:"speed"`
	Zone             string      `json:"zone"`
	NearestObstacleM float64     `json:"nearest_obstacle_m"`
	HumanDetected    bool        `json:"human_detected"`
	HumanConf        float64     `json:"human_conf"`
	HumanDistanceM   float64     `json:"human_distance_m"`
	WalkingHumans    []Detection `json:"walking_humans,omitempty"`
	IdleRobots       []Detection `json:"idle_robots,omitempty"`
	Obstacles        []Obstacle  `json:"obstacles,omitempty"`
	Bounds           *Rect       `json:"bounds,omitempty"`
	Events           []string    `json:"events,omitempty"`
	Timestamp        float64     `json:"timestamp"`
}

// Zone is a named region of the warehouse with its own speed limit.
type Zone struct {
	Name string `json:"name"`
	Rect Rect   `json:"rect"`
}

// World is the static environment definition from /world.
type World struct {
	Geofence  Rect             `json:"geofence"`
	Zones     []Zone           `json:"zones"`
	Obstacles []Obstacle       `json:"obstacles"`
	Human     *Detection       `json:"human,omitempty"`
	Bays      []map[string]any `json:"bays,omitempty"`
}

// Command is the wire shape of POST /command.
type Command struct {
	Intent Intent         `json:"intent"`
	Params map[string]any `json:"params"`
}
