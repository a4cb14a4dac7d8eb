package pad

import (
	"encoding/json"

	"github.com/padsync/server/internal/geo"
)

// Defaults applied to newly created objects when the client leaves a field
// out.
const (
	DefaultMarkerColour = "ff0000"
	DefaultLineColour   = "0000ff"
	DefaultLineWidth    = 4
)

var (
	createPadSchema = Schema{
		"id":      {Kind: Identifier},
		"writeId": {Kind: Identifier},
		"name":    {Kind: String, Required: true},
	}
	editPadSchema = Schema{
		"name":          {Kind: String},
		"defaultViewId": {Kind: ID, Nullable: true},
	}
	deleteSchema = Schema{
		"id": {Kind: ID, Required: true},
	}
	addMarkerSchema = Schema{
		"lat":    {Kind: Latitude, Required: true},
		"lon":    {Kind: Longitude, Required: true},
		"name":   {Kind: String},
		"colour": {Kind: Colour},
		"typeId": {Kind: ID, Required: true},
	}
	editMarkerSchema = Schema{
		"id":     {Kind: ID, Required: true},
		"lat":    {Kind: Latitude},
		"lon":    {Kind: Longitude},
		"name":   {Kind: String},
		"colour": {Kind: Colour},
		"typeId": {Kind: ID},
	}
	addLineSchema = Schema{
		"points": {Kind: PointList, Required: true},
		"mode":   {Kind: Enum, Values: LineModes},
		"colour": {Kind: Colour},
		"width":  {Kind: Integer},
		"name":   {Kind: String},
		"typeId": {Kind: ID, Required: true},
	}
	editLineSchema = Schema{
		"id":     {Kind: ID, Required: true},
		"points": {Kind: PointList},
		"mode":   {Kind: Enum, Values: LineModes},
		"colour": {Kind: Colour},
		"width":  {Kind: Integer},
		"name":   {Kind: String},
		"typeId": {Kind: ID},
	}
	addViewSchema = Schema{
		"name":      {Kind: String, Required: true},
		"baseLayer": {Kind: String, Required: true},
		"layers":    {Kind: StringList},
		"top":       {Kind: Latitude, Required: true},
		"left":      {Kind: Longitude, Required: true},
		"bottom":    {Kind: Latitude, Required: true},
		"right":     {Kind: Longitude, Required: true},
	}
	editViewSchema = Schema{
		"id":        {Kind: ID, Required: true},
		"name":      {Kind: String},
		"baseLayer": {Kind: String},
		"layers":    {Kind: StringList},
		"top":       {Kind: Latitude},
		"left":      {Kind: Longitude},
		"bottom":    {Kind: Latitude},
		"right":     {Kind: Longitude},
	}
	addTypeSchema = Schema{
		"name":   {Kind: String, Required: true},
		"type":   {Kind: Enum, Required: true, Values: []string{TypeMarker, TypeLine}},
		"fields": {Kind: FieldList},
	}
	editTypeSchema = Schema{
		"id":     {Kind: ID, Required: true},
		"name":   {Kind: String},
		"fields": {Kind: FieldList},
	}
	bboxSchema = Schema{
		"top":    {Kind: Number, Required: true},
		"left":   {Kind: Number, Required: true},
		"bottom": {Kind: Number, Required: true},
		"right":  {Kind: Number, Required: true},
		"zoom":   {Kind: Integer, Required: true},
	}
)

// PadCreate asks for a new pad. Empty ids are generated by the store.
type PadCreate struct {
	ID      string `json:"id"`
	WriteID string `json:"writeId"`
	Name    string `json:"name"`
}

// PadPatch changes pad metadata. ClearDefaultView is set when the client
// sent an explicit null default view.
type PadPatch struct {
	Name             *string `json:"name"`
	DefaultViewID    *int64  `json:"defaultViewId"`
	ClearDefaultView bool    `json:"-"`
}

// Apply returns d with the patch applied.
func (p PadPatch) Apply(d Data) Data {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.ClearDefaultView {
		d.DefaultViewID = nil
	} else if p.DefaultViewID != nil {
		id := *p.DefaultViewID
		d.DefaultViewID = &id
	}
	return d
}

// MarkerCreate is the addMarker payload.
type MarkerCreate struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Name   string  `json:"name"`
	Colour string  `json:"colour"`
	TypeID int64   `json:"typeId"`
}

// MarkerPatch is the editMarker payload.
type MarkerPatch struct {
	ID     int64    `json:"id"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Name   *string  `json:"name"`
	Colour *string  `json:"colour"`
	TypeID *int64   `json:"typeId"`
}

// Apply returns m with the patch applied.
func (p MarkerPatch) Apply(m Marker) Marker {
	if p.Lat != nil {
		m.Lat = *p.Lat
	}
	if p.Lon != nil {
		m.Lon = *p.Lon
	}
	if p.Name != nil {
		m.Name = *p.Name
	}
	if p.Colour != nil {
		m.Colour = *p.Colour
	}
	if p.TypeID != nil {
		m.TypeID = *p.TypeID
	}
	return m
}

// LineCreate is the addLine payload.
type LineCreate struct {
	Points []geo.Point `json:"points"`
	Mode   string      `json:"mode"`
	Colour string      `json:"colour"`
	Width  int         `json:"width"`
	Name   string      `json:"name"`
	TypeID int64       `json:"typeId"`
}

// LinePatch is the editLine payload. Points is nil when unchanged.
type LinePatch struct {
	ID     int64       `json:"id"`
	Points []geo.Point `json:"points"`
	Mode   *string     `json:"mode"`
	Colour *string     `json:"colour"`
	Width  *int        `json:"width"`
	Name   *string     `json:"name"`
	TypeID *int64      `json:"typeId"`
}

// Apply returns l with the patch applied; derived fields are recomputed
// when the points change.
func (p LinePatch) Apply(l Line) Line {
	if p.Mode != nil {
		l.Mode = *p.Mode
	}
	if p.Colour != nil {
		l.Colour = *p.Colour
	}
	if p.Width != nil {
		l.Width = *p.Width
	}
	if p.Name != nil {
		l.Name = *p.Name
	}
	if p.TypeID != nil {
		l.TypeID = *p.TypeID
	}
	if p.Points != nil {
		l.SetPoints(p.Points)
	}
	return l
}

// ViewCreate is the addView payload.
type ViewCreate struct {
	Name      string   `json:"name"`
	BaseLayer string   `json:"baseLayer"`
	Layers    []string `json:"layers"`
	Top       float64  `json:"top"`
	Left      float64  `json:"left"`
	Bottom    float64  `json:"bottom"`
	Right     float64  `json:"right"`
}

// ViewPatch is the editView payload.
type ViewPatch struct {
	ID        int64     `json:"id"`
	Name      *string   `json:"name"`
	BaseLayer *string   `json:"baseLayer"`
	Layers    *[]string `json:"layers"`
	Top       *float64  `json:"top"`
	Left      *float64  `json:"left"`
	Bottom    *float64  `json:"bottom"`
	Right     *float64  `json:"right"`
}

// Apply returns v with the patch applied.
func (p ViewPatch) Apply(v View) View {
	if p.Name != nil {
		v.Name = *p.Name
	}
	if p.BaseLayer != nil {
		v.BaseLayer = *p.BaseLayer
	}
	if p.Layers != nil {
		v.Layers = append([]string(nil), (*p.Layers)...)
	}
	if p.Top != nil {
		v.Top = *p.Top
	}
	if p.Left != nil {
		v.Left = *p.Left
	}
	if p.Bottom != nil {
		v.Bottom = *p.Bottom
	}
	if p.Right != nil {
		v.Right = *p.Right
	}
	return v
}

// TypeCreate is the addType payload.
type TypeCreate struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Fields []Field `json:"fields"`
}

// TypePatch is the editType payload. The kind of a type cannot change.
type TypePatch struct {
	ID     int64    `json:"id"`
	Name   *string  `json:"name"`
	Fields *[]Field `json:"fields"`
}

// Apply returns t with the patch applied.
func (p TypePatch) Apply(t Type) Type {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Fields != nil {
		t.Fields = append([]Field(nil), (*p.Fields)...)
	}
	return t
}

// DeleteRequest is the payload of every delete operation.
type DeleteRequest struct {
	ID int64 `json:"id"`
}

func parse[T any](s Schema, raw json.RawMessage, strict bool) (T, Payload, error) {
	var out T
	p, err := s.Validate(raw, strict)
	if err != nil {
		return out, nil, err
	}
	if err := p.Decode(&out); err != nil {
		return out, nil, &ValidationError{Reason: err.Error()}
	}
	return out, p, nil
}

// ParseCreatePad validates a createPad payload.
func ParseCreatePad(raw json.RawMessage, strict bool) (PadCreate, error) {
	c, _, err := parse[PadCreate](createPadSchema, raw, strict)
	return c, err
}

// ParseEditPad validates an editPad payload.
func ParseEditPad(raw json.RawMessage, strict bool) (PadPatch, error) {
	patch, p, err := parse[PadPatch](editPadSchema, raw, strict)
	if err != nil {
		return patch, err
	}
	patch.ClearDefaultView = p.IsNull("defaultViewId")
	return patch, nil
}

// ParseDelete validates the payload of any delete operation.
func ParseDelete(raw json.RawMessage, strict bool) (DeleteRequest, error) {
	d, _, err := parse[DeleteRequest](deleteSchema, raw, strict)
	return d, err
}

// ParseAddMarker validates an addMarker payload and fills in defaults.
func ParseAddMarker(raw json.RawMessage, strict bool) (MarkerCreate, error) {
	m, _, err := parse[MarkerCreate](addMarkerSchema, raw, strict)
	if err != nil {
		return m, err
	}
	if m.Colour == "" {
		m.Colour = DefaultMarkerColour
	}
	return m, nil
}

// ParseEditMarker validates an editMarker payload.
func ParseEditMarker(raw json.RawMessage, strict bool) (MarkerPatch, error) {
	m, _, err := parse[MarkerPatch](editMarkerSchema, raw, strict)
	return m, err
}

// ParseAddLine validates an addLine payload and fills in defaults.
func ParseAddLine(raw json.RawMessage, strict bool) (LineCreate, error) {
	l, _, err := parse[LineCreate](addLineSchema, raw, strict)
	if err != nil {
		return l, err
	}
	if l.Colour == "" {
		l.Colour = DefaultLineColour
	}
	if l.Width == 0 {
		l.Width = DefaultLineWidth
	}
	return l, nil
}

// ParseEditLine validates an editLine payload.
func ParseEditLine(raw json.RawMessage, strict bool) (LinePatch, error) {
	l, _, err := parse[LinePatch](editLineSchema, raw, strict)
	return l, err
}

// ParseAddView validates an addView payload.
func ParseAddView(raw json.RawMessage, strict bool) (ViewCreate, error) {
	v, _, err := parse[ViewCreate](addViewSchema, raw, strict)
	if err != nil {
		return v, err
	}
	if v.Top < v.Bottom {
		return v, &ValidationError{Field: "top", Reason: "must not be below bottom"}
	}
	if v.Layers == nil {
		v.Layers = []string{}
	}
	return v, nil
}

// ParseEditView validates an editView payload.
func ParseEditView(raw json.RawMessage, strict bool) (ViewPatch, error) {
	v, _, err := parse[ViewPatch](editViewSchema, raw, strict)
	return v, err
}

// ParseAddType validates an addType payload.
func ParseAddType(raw json.RawMessage, strict bool) (TypeCreate, error) {
	t, _, err := parse[TypeCreate](addTypeSchema, raw, strict)
	if err != nil {
		return t, err
	}
	if t.Fields == nil {
		t.Fields = []Field{}
	}
	return t, nil
}

// ParseEditType validates an editType payload.
func ParseEditType(raw json.RawMessage, strict bool) (TypePatch, error) {
	t, _, err := parse[TypePatch](editTypeSchema, raw, strict)
	return t, err
}

// ParseBbox validates an updateBbox payload.
func ParseBbox(raw json.RawMessage, strict bool) (geo.BoundingBox, error) {
	b, _, err := parse[geo.BoundingBox](bboxSchema, raw, strict)
	if err != nil {
		return b, err
	}
	if err := b.Validate(); err != nil {
		return b, &ValidationError{Reason: err.Error()}
	}
	return b, nil
}
