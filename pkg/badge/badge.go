// Package badge renders fixed-style SVG status badges.
package badge

import (
	"bytes"
	"text/template"
)

// Badge widths are estimated from the default 11px Verdana metrics used by
// common badge generators; exact text measurement is not required for a
// fixed-style badge.
const (
	charWidth = 7
	padding   = 10
)

var svgTemplate = template.Must(template.New("badge").Parse(`<svg xmlns="http://www.w3.org/2000/svg" width="{{.Width}}" height="20">
  <linearGradient id="smooth" x2="0" y2="100%">
    <stop offset="0" stop-color="#bbb" stop-opacity=".1"/>
    <stop offset="1" stop-opacity=".1"/>
  </linearGradient>
  <rect rx="3" width="{{.Width}}" height="20" fill="#555"/>
  <rect rx="3" x="{{.LabelWidth}}" width="{{.ValueWidth}}" height="20" fill="{{.Color}}"/>
  <rect x="{{.LabelWidth}}" width="4" height="20" fill="{{.Color}}"/>
  <rect rx="3" width="{{.Width}}" height="20" fill="url(#smooth)"/>
  <g fill="#fff" text-anchor="middle" font-family="DejaVu Sans,Verdana,Geneva,sans-serif" font-size="11">
    <text x="{{.LabelCenter}}" y="15" fill="#010101" fill-opacity=".3">{{.Label}}</text>
    <text x="{{.LabelCenter}}" y="14">{{.Label}}</text>
    <text x="{{.ValueCenter}}" y="15" fill="#010101" fill-opacity=".3">{{.Value}}</text>
    <text x="{{.ValueCenter}}" y="14">{{.Value}}</text>
  </g>
</svg>`))

type badgeData struct {
	Label       string
	Value       string
	Color       string
	Width       int
	LabelWidth  int
	ValueWidth  int
	LabelCenter int
	ValueCenter int
}

// Render produces a flat SVG badge with the given label and value segments.
func Render(label, value, color string) string {
	labelWidth := len(label)*charWidth + padding
	valueWidth := len(value)*charWidth + padding

	data := badgeData{
		Label:       label,
		Value:       value,
		Color:       color,
		Width:       labelWidth + valueWidth,
		LabelWidth:  labelWidth,
		ValueWidth:  valueWidth,
		LabelCenter: labelWidth / 2,
		ValueCenter: labelWidth + valueWidth/2,
	}

	var buf bytes.Buffer
	// The template only receives plain struct fields, execution cannot fail.
	_ = svgTemplate.Execute(&buf, data)
	return buf.String()
}
