package model

// ShapePatch is a field-level partial update. Nil fields are left untouched.
// Identity and creator fields are intentionally absent.
type ShapePatch struct {
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Width       *float64 `json:"width,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	Radius      *float64 `json:"radius,omitempty"`
	Fill        *string  `json:"fill,omitempty"`
	Stroke      *string  `json:"stroke,omitempty"`
	StrokeWidth *float64 `json:"strokeWidth,omitempty"`
	Rotation    *float64 `json:"rotation,omitempty"`
	ZIndex      *int     `json:"zIndex,omitempty"`
	Text        *string  `json:"text,omitempty"`
	FontSize    *float64 `json:"fontSize,omitempty"`
}

// Float returns a pointer to v, for building patches.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// Empty reports whether the patch changes nothing.
func (p ShapePatch) Empty() bool {
	return len(p.Fields()) == 0
}

// Fields returns the set leaf fields keyed by their storage attribute name
// (the dynamodbav names on Shape).
func (p ShapePatch) Fields() map[string]any {
	f := make(map[string]any)
	if p.X != nil {
		f["x"] = *p.X
	}
	if p.Y != nil {
		f["y"] = *p.Y
	}
	if p.Width != nil {
		f["width"] = *p.Width
	}
	if p.Height != nil {
		f["height"] = *p.Height
	}
	if p.Radius != nil {
		f["radius"] = *p.Radius
	}
	if p.Fill != nil {
		f["fill"] = *p.Fill
	}
	if p.Stroke != nil {
		f["stroke"] = *p.Stroke
	}
	if p.StrokeWidth != nil {
		f["stroke_width"] = *p.StrokeWidth
	}
	if p.Rotation != nil {
		f["rotation"] = *p.Rotation
	}
	if p.ZIndex != nil {
		f["z_index"] = *p.ZIndex
	}
	if p.Text != nil {
		f["text"] = *p.Text
	}
	if p.FontSize != nil {
		f["font_size"] = *p.FontSize
	}
	return f
}

// ApplyTo copies the set fields onto s.
func (p ShapePatch) ApplyTo(s *Shape) {
	if p.X != nil {
		s.X = *p.X
	}
	if p.Y != nil {
		s.Y = *p.Y
	}
	if p.Width != nil {
		s.Width = *p.Width
	}
	if p.Height != nil {
		s.Height = *p.Height
	}
	if p.Radius != nil {
		s.Radius = *p.Radius
	}
	if p.Fill != nil {
		s.Fill = *p.Fill
	}
	if p.Stroke != nil {
		s.Stroke = *p.Stroke
	}
	if p.StrokeWidth != nil {
		s.StrokeWidth = *p.StrokeWidth
	}
	if p.Rotation != nil {
		s.Rotation = *p.Rotation
	}
	if p.ZIndex != nil {
		s.ZIndex = *p.ZIndex
	}
	if p.Text != nil {
		s.Text = *p.Text
	}
	if p.FontSize != nil {
		s.FontSize = *p.FontSize
	}
}

// Merge overlays newer on top of p and returns the result.
func (p ShapePatch) Merge(newer ShapePatch) ShapePatch {
	out := p
	if newer.X != nil {
		out.X = newer.X
	}
	if newer.Y != nil {
		out.Y = newer.Y
	}
	if newer.Width != nil {
		out.Width = newer.Width
	}
	if newer.Height != nil {
		out.Height = newer.Height
	}
	if newer.Radius != nil {
		out.Radius = newer.Radius
	}
	if newer.Fill != nil {
		out.Fill = newer.Fill
	}
	if newer.Stroke != nil {
		out.Stroke = newer.Stroke
	}
	if newer.StrokeWidth != nil {
		out.StrokeWidth = newer.StrokeWidth
	}
	if newer.Rotation != nil {
		out.Rotation = newer.Rotation
	}
	if newer.ZIndex != nil {
		out.ZIndex = newer.ZIndex
	}
	if newer.Text != nil {
		out.Text = newer.Text
	}
	if newer.FontSize != nil {
		out.FontSize = newer.FontSize
	}
	return out
}

// ShapeUpdate pairs a shape id with a patch, for batch writes.
type ShapeUpdate struct {
	ID    string     `json:"id"`
	Patch ShapePatch `json:"patch"`
}
