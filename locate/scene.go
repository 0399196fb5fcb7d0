package locate

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// SceneRenderer draws receivers, measured distance circles and located
// sources as vector graphics. Coordinates are the estimator's local planar
// frame in meters; Scale converts meters to canvas units.
type SceneRenderer struct {
	Receivers map[string]ReceiverConfig
	Located   map[string]*LocatedSource
	Readings  map[string][]Reading

	Scale       float64           // canvas units per meter
	Padding     float64           // padding in canvas units
	GridSpacing float64           // grid line spacing in meters; 0 disables
	Resolution  canvas.Resolution // resolution for PNG output
}

// NewSceneRenderer creates a scene renderer with default settings.
func NewSceneRenderer(receivers []ReceiverConfig) *SceneRenderer {
	byID := make(map[string]ReceiverConfig, len(receivers))
	for _, rc := range receivers {
		byID[rc.ID] = rc
	}
	return &SceneRenderer{
		Receivers:   byID,
		Located:     make(map[string]*LocatedSource),
		Readings:    make(map[string][]Reading),
		Scale:       10.0, // 1m = 10 canvas units
		Padding:     20.0,
		GridSpacing: 1.0, // 1m grid
		Resolution:  canvas.DPI(300),
	}
}

// sourceColors is the palette cycled through for located sources.
var sourceColors = []color.RGBA{
	{R: 220, G: 60, B: 60, A: 255},
	{R: 60, G: 120, B: 220, A: 255},
	{R: 60, G: 170, B: 90, A: 255},
	{R: 200, G: 140, B: 40, A: 255},
}

var receiverColor = color.RGBA{R: 60, G: 60, B: 60, A: 255}

// sceneCanvas is the interface both the svg and rasterizer backends satisfy.
type sceneCanvas interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the scene as an SVG to the provided writer.
func (r *SceneRenderer) RenderToSVG(w io.Writer) error {
	minX, minY, maxX, maxY, err := r.worldBounds()
	if err != nil {
		return err
	}

	width := (maxX-minX)*r.Scale + 2*r.Padding
	height := (maxY-minY)*r.Scale + 2*r.Padding

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, minX, minY, maxX, maxY, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the scene as a PNG to the provided writer. Labels are
// drawn onto the rasterized image before encoding; the SVG path stays
// label-free since vector text would need a full font face.
func (r *SceneRenderer) RenderToPNG(w io.Writer) error {
	minX, minY, maxX, maxY, err := r.worldBounds()
	if err != nil {
		return err
	}

	width := (maxX-minX)*r.Scale + 2*r.Padding
	height := (maxY-minY)*r.Scale + 2*r.Padding

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, minX, minY, maxX, maxY, width, height)

	r.drawLabels(rast, minX, minY)

	return png.Encode(w, rast)
}

// renderToCanvas draws the scene onto a canvas backend (shared by SVG and PNG).
func (r *SceneRenderer) renderToCanvas(renderer sceneCanvas, minX, minY, maxX, maxY, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x-minX)*r.Scale + r.Padding, (y-minY)*r.Scale + r.Padding
	}

	// Grid lines.
	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.3
		gridStyle.Dashes = []float64{2.0, 2.0}

		for x := math.Floor(minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(x, minY)
			x2, y2 := toCanvas(x, maxY)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Floor(minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(minX, y)
			x2, y2 := toCanvas(maxX, y)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// Distance circles and inlier links, drawn under the markers.
	for i, id := range r.sortedSourceIDs() {
		ls := r.Located[id]
		readings := r.Readings[id]
		sc := sourceColors[i%len(sourceColors)]

		circleStyle := canvas.DefaultStyle
		circleStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		circleStyle.Stroke = canvas.Paint{Color: fadeColor(sc)}
		circleStyle.StrokeWidth = 0.4

		for j, rd := range readings {
			if !rd.HasDistance() || len(rd.Position) < 2 {
				continue
			}
			if ls != nil && ls.Inliers != nil && j < len(ls.Inliers.Mask) && !ls.Inliers.Mask[j] {
				circleStyle.Dashes = []float64{3.0, 3.0}
			} else {
				circleStyle.Dashes = nil
			}
			cx, cy := toCanvas(rd.Position[0], rd.Position[1])
			circle := canvas.Circle(*rd.Distance * r.Scale)
			circle = circle.Translate(cx, cy)
			renderer.RenderPath(circle, circleStyle, canvas.Identity)
		}

		if ls == nil || ls.Solution.Position == nil || ls.Inliers == nil {
			continue
		}

		linkStyle := canvas.DefaultStyle
		linkStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		linkStyle.Stroke = canvas.Paint{Color: sc}
		linkStyle.StrokeWidth = 0.5

		tx, ty := toCanvas(ls.Solution.Position[0], ls.Solution.Position[1])
		for j, rd := range readings {
			if j >= len(ls.Inliers.Mask) || !ls.Inliers.Mask[j] || len(rd.Position) < 2 {
				continue
			}
			cx, cy := toCanvas(rd.Position[0], rd.Position[1])
			link := &canvas.Path{}
			link.MoveTo(cx, cy)
			link.LineTo(tx, ty)
			renderer.RenderPath(link, linkStyle, canvas.Identity)
		}
	}

	// Receiver markers as filled squares.
	recvStyle := canvas.DefaultStyle
	recvStyle.Fill = canvas.Paint{Color: receiverColor}
	recvStyle.Stroke = canvas.Paint{Color: canvas.Black}
	recvStyle.StrokeWidth = 0.4

	for _, id := range r.sortedReceiverIDs() {
		rc := r.Receivers[id]
		if len(rc.Position) < 2 {
			continue
		}
		cx, cy := toCanvas(rc.Position[0], rc.Position[1])
		side := 4.0
		marker := canvas.Rectangle(side, side)
		marker = marker.Translate(cx-side/2, cy-side/2)
		renderer.RenderPath(marker, recvStyle, canvas.Identity)
	}

	// Source markers as colored circles on top.
	for i, id := range r.sortedSourceIDs() {
		ls := r.Located[id]
		if ls == nil || ls.Solution.Position == nil {
			continue
		}
		sc := sourceColors[i%len(sourceColors)]

		markerStyle := canvas.DefaultStyle
		markerStyle.Fill = canvas.Paint{Color: sc}
		markerStyle.Stroke = canvas.Paint{Color: canvas.Black}
		markerStyle.StrokeWidth = 0.4

		cx, cy := toCanvas(ls.Solution.Position[0], ls.Solution.Position[1])
		marker := canvas.Circle(2.5)
		marker = marker.Translate(cx, cy)
		renderer.RenderPath(marker, markerStyle, canvas.Identity)
	}
}

// drawLabels writes receiver and source IDs onto the rasterized image. The
// rasterizer satisfies draw.Image, so the labels land before PNG encoding.
func (r *SceneRenderer) drawLabels(img *rasterizer.Rasterizer, minX, minY float64) {
	bounds := img.Bounds()

	toPixel := func(x, y float64) (int, int) {
		cx := (x-minX)*r.Scale + r.Padding
		cy := (y-minY)*r.Scale + r.Padding
		// Canvas origin is bottom-left, image origin top-left.
		px := int(cx * r.Resolution.DPMM())
		py := bounds.Max.Y - int(cy*r.Resolution.DPMM())
		return px, py
	}

	for _, id := range r.sortedReceiverIDs() {
		rc := r.Receivers[id]
		if len(rc.Position) < 2 {
			continue
		}
		px, py := toPixel(rc.Position[0], rc.Position[1])
		drawSceneText(img, px+8, py-8, id, receiverColor)
	}

	for i, id := range r.sortedSourceIDs() {
		ls := r.Located[id]
		if ls == nil || ls.Solution.Position == nil {
			continue
		}
		px, py := toPixel(ls.Solution.Position[0], ls.Solution.Position[1])
		label := id
		if ls.Inliers != nil {
			label = fmt.Sprintf("%s (%d)", id, ls.Inliers.NumInliers)
		}
		drawSceneText(img, px+8, py-8, label, sourceColors[i%len(sourceColors)])
	}
}

// drawSceneText renders text onto an image at the specified pixel position.
func drawSceneText(img *rasterizer.Rasterizer, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// worldBounds computes the bounding box over receivers, estimates and
// distance circles.
func (r *SceneRenderer) worldBounds() (minX, minY, maxX, maxY float64, err error) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64

	grow := func(x, y float64) {
		minX = math.Min(minX, x)
		minY = math.Min(minY, y)
		maxX = math.Max(maxX, x)
		maxY = math.Max(maxY, y)
	}

	for _, rc := range r.Receivers {
		if len(rc.Position) >= 2 {
			grow(rc.Position[0], rc.Position[1])
		}
	}
	for _, ls := range r.Located {
		if ls != nil && len(ls.Solution.Position) >= 2 {
			grow(ls.Solution.Position[0], ls.Solution.Position[1])
		}
	}
	for _, readings := range r.Readings {
		for _, rd := range readings {
			if len(rd.Position) < 2 {
				continue
			}
			if rd.HasDistance() {
				grow(rd.Position[0]-*rd.Distance, rd.Position[1]-*rd.Distance)
				grow(rd.Position[0]+*rd.Distance, rd.Position[1]+*rd.Distance)
			} else {
				grow(rd.Position[0], rd.Position[1])
			}
		}
	}

	if minX > maxX {
		return 0, 0, 0, 0, fmt.Errorf("nothing to render")
	}
	return minX, minY, maxX, maxY, nil
}

func (r *SceneRenderer) sortedReceiverIDs() []string {
	ids := make([]string, 0, len(r.Receivers))
	for id := range r.Receivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *SceneRenderer) sortedSourceIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for id := range r.Located {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range r.Readings {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// fadeColor halves the alpha of a premultiplied color for background strokes.
func fadeColor(c color.RGBA) color.RGBA {
	return color.RGBA{R: c.R / 2, G: c.G / 2, B: c.B / 2, A: c.A / 2}
}
