// Package pad defines the entities stored in a pad and the payload shapes
// clients send to create or change them.
package pad

import (
	"github.com/padsync/server/internal/geo"
)

// Data is the pad metadata delivered as the padData event. WriteID is only
// filled in for sessions that opened the pad through its write id.
type Data struct {
	ID            string `json:"id"`
	WriteID       string `json:"writeId,omitempty"`
	Name          string `json:"name"`
	DefaultViewID *int64 `json:"defaultViewId"`
	Writable      bool   `json:"writable"`
}

// Marker is a named point on the map.
type Marker struct {
	ID     int64   `json:"id" bson:"_id"`
	PadID  string  `json:"padId" bson:"padId"`
	Lat    float64 `json:"lat" bson:"lat"`
	Lon    float64 `json:"lon" bson:"lon"`
	Name   string  `json:"name" bson:"name"`
	Colour string  `json:"colour" bson:"colour"`
	TypeID int64   `json:"typeId" bson:"typeId"`
}

// Position returns the marker location.
func (m Marker) Position() geo.Point {
	return geo.Point{Lat: m.Lat, Lon: m.Lon}
}

// Line mode values. The empty mode is a straight polyline; the others are
// routing profiles whose computation lives outside this server.
const (
	ModeStraight   = ""
	ModeCar        = "car"
	ModeBicycle    = "bicycle"
	ModePedestrian = "pedestrian"
	ModeTrack      = "track"
)

// LineModes lists every accepted line mode.
var LineModes = []string{ModeStraight, ModeCar, ModeBicycle, ModePedestrian, ModeTrack}

// Line is the non-spatial part of a line. Its points travel separately as
// LinePoints so clients only receive the ones inside their viewport.
type Line struct {
	ID       int64   `json:"id" bson:"_id"`
	PadID    string  `json:"padId" bson:"padId"`
	Mode     string  `json:"mode" bson:"mode"`
	Colour   string  `json:"colour" bson:"colour"`
	Width    int     `json:"width" bson:"width"`
	Name     string  `json:"name" bson:"name"`
	TypeID   int64   `json:"typeId" bson:"typeId"`
	Distance float64 `json:"distance" bson:"distance"`
	Top      float64 `json:"top" bson:"top"`
	Left     float64 `json:"left" bson:"left"`
	Bottom   float64 `json:"bottom" bson:"bottom"`
	Right    float64 `json:"right" bson:"right"`
}

// Extent returns the bounding box of all points of the line.
func (l Line) Extent() geo.BoundingBox {
	return geo.BoundingBox{Top: l.Top, Left: l.Left, Bottom: l.Bottom, Right: l.Right}
}

// SetPoints recomputes the derived extent and distance from points.
func (l *Line) SetPoints(points []geo.Point) {
	ext := geo.Extent(points)
	l.Top, l.Left, l.Bottom, l.Right = ext.Top, ext.Left, ext.Bottom, ext.Right
	l.Distance = geo.PathLength(points)
}

// LinePoints carries the visible points of one line. Reset tells the client
// to drop whatever points it had for the line before applying these.
type LinePoints struct {
	ID     int64       `json:"id"`
	Points []geo.Point `json:"points"`
	Reset  bool        `json:"reset,omitempty"`
}

// View is a saved map position.
type View struct {
	ID        int64    `json:"id" bson:"_id"`
	PadID     string   `json:"padId" bson:"padId"`
	Name      string   `json:"name" bson:"name"`
	BaseLayer string   `json:"baseLayer" bson:"baseLayer"`
	Layers    []string `json:"layers" bson:"layers"`
	Top       float64  `json:"top" bson:"top"`
	Left      float64  `json:"left" bson:"left"`
	Bottom    float64  `json:"bottom" bson:"bottom"`
	Right     float64  `json:"right" bson:"right"`
}

// Type kinds.
const (
	TypeMarker = "marker"
	TypeLine   = "line"
)

// Field types.
const (
	FieldInput    = "input"
	FieldTextarea = "textarea"
	FieldDropdown = "dropdown"
	FieldCheckbox = "checkbox"
)

// Type defines which kind of object a marker or line is and which custom
// fields it carries.
type Type struct {
	ID     int64   `json:"id" bson:"_id"`
	PadID  string  `json:"padId" bson:"padId"`
	Name   string  `json:"name" bson:"name"`
	Type   string  `json:"type" bson:"type"`
	Fields []Field `json:"fields" bson:"fields"`
}

// Field is a custom attribute of a Type.
type Field struct {
	Name    string        `json:"name" bson:"name"`
	Type    string        `json:"type" bson:"type"`
	Default string        `json:"default,omitempty" bson:"default,omitempty"`
	Options []FieldOption `json:"options,omitempty" bson:"options,omitempty"`
}

// FieldOption is one choice of a dropdown field.
type FieldOption struct {
	Value string `json:"value" bson:"value"`
}

// Deleted is the payload of every delete event.
type Deleted struct {
	ID int64 `json:"id"`
}
