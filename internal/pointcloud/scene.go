package pointcloud

import (
	"math"
)

const (
	// NeutralColor is the flat color used when a cloud carries no colors.
	NeutralColor     uint32  = 0x888888
	DefaultPointSize float32 = 0.01
)

// Material is the point rendering policy for a scene.
type Material struct {
	VertexColors    bool    `json:"vertex_colors" yaml:"vertex_colors"`
	Color           uint32  `json:"color" yaml:"color"`
	Size            float32 `json:"size" yaml:"size"`
	SizeAttenuation bool    `json:"size_attenuation" yaml:"size_attenuation"`
}

// MaterialFor picks vertex colors when present, the neutral color otherwise.
func MaterialFor(hasColors bool) Material {
	m := Material{
		Size:            DefaultPointSize,
		SizeAttenuation: true,
	}
	if hasColors {
		m.VertexColors = true
		m.Color = 0xffffff
	} else {
		m.Color = NeutralColor
	}
	return m
}

type Bounds struct {
	Min Vec3 `json:"min" yaml:"min"`
	Max Vec3 `json:"max" yaml:"max"`
}

// Center returns the midpoint of the box.
func (b Bounds) Center() Vec3 {
	return Vec3{
		X: (b.Min.X + b.Max.X) / 2,
		Y: (b.Min.Y + b.Max.Y) / 2,
		Z: (b.Min.Z + b.Max.Z) / 2,
	}
}

// Size returns the box extent along each axis.
func (b Bounds) Size() Vec3 {
	return Vec3{X: b.Max.X - b.Min.X, Y: b.Max.Y - b.Min.Y, Z: b.Max.Z - b.Min.Z}
}

func boundsOf(pts []Vec3) Bounds {
	if len(pts) == 0 {
		return Bounds{}
	}
	b := Bounds{Min: pts[0], Max: pts[0]}
	for _, p := range pts[1:] {
		b.Min.X = min(b.Min.X, p.X)
		b.Min.Y = min(b.Min.Y, p.Y)
		b.Min.Z = min(b.Min.Z, p.Z)
		b.Max.X = max(b.Max.X, p.X)
		b.Max.Y = max(b.Max.Y, p.Y)
		b.Max.Z = max(b.Max.Z, p.Z)
	}
	return b
}

// Scene is a cloud prepared for display: translated so its bounding box is
// centered on the origin, with estimated normals and a material.
type Scene struct {
	Positions []Vec3
	Colors    []Color
	Normals   []Vec3
	// Center is the bounding-box center in the capture coordinates.
	Center   Vec3
	Bounds   Bounds
	Material Material
}

func (s *Scene) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Positions)
}

// Summary describes a scene without its buffers.
type Summary struct {
	Points    int      `json:"points" yaml:"points"`
	HasColors bool     `json:"has_colors" yaml:"has_colors"`
	Center    Vec3     `json:"center" yaml:"center"`
	Bounds    Bounds   `json:"bounds" yaml:"bounds"`
	Radius    float32  `json:"radius" yaml:"radius"`
	Material  Material `json:"material" yaml:"material"`
}

func (s *Scene) Summary() Summary {
	size := s.Bounds.Size()
	return Summary{
		Points:    s.Len(),
		HasColors: s.Colors != nil,
		Center:    s.Center,
		Bounds:    s.Bounds,
		Radius:    float32(math.Sqrt(float64(size.X*size.X+size.Y*size.Y+size.Z*size.Z))) / 2,
		Material:  s.Material,
	}
}

// Prepare centers the cloud on the origin, estimates normals and picks the
// material. The cloud is not modified.
func Prepare(c *Cloud) *Scene {
	n := c.Len()
	s := &Scene{Positions: make([]Vec3, n)}

	s.Center = boundsOf(c.Positions).Center()
	for i, p := range c.Positions {
		s.Positions[i] = Vec3{X: p.X - s.Center.X, Y: p.Y - s.Center.Y, Z: p.Z - s.Center.Z}
	}
	s.Bounds = boundsOf(s.Positions)

	if c.Colors != nil && len(c.Colors) == n {
		s.Colors = append([]Color(nil), c.Colors...)
	}
	s.Normals = EstimateNormals(s.Positions, DefaultNeighbors)
	s.Material = MaterialFor(s.Colors != nil)
	return s
}
