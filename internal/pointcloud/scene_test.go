package pointcloud

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPrepare_CentersAndUsesNeutralMaterial(t *testing.T) {
	cloud := &Cloud{Positions: []Vec3{{1, 1, 1}, {-1, -1, -1}}}

	scene := Prepare(cloud)

	if got := scene.Bounds.Center(); got != (Vec3{}) {
		t.Errorf("bounds center after translation = %+v, want origin", got)
	}
	if scene.Center != (Vec3{}) {
		t.Errorf("Center = %+v, want origin", scene.Center)
	}
	want := Material{VertexColors: false, Color: NeutralColor, Size: DefaultPointSize, SizeAttenuation: true}
	if diff := cmp.Diff(want, scene.Material); diff != "" {
		t.Errorf("material mismatch (-want +got):\n%s", diff)
	}
	if scene.Colors != nil {
		t.Error("scene without colors must not carry a color attribute")
	}
	if len(scene.Normals) != 2 {
		t.Errorf("normals = %d, want 2", len(scene.Normals))
	}
}

func TestPrepare_TranslatesOffsetCloud(t *testing.T) {
	cloud := &Cloud{
		Positions: []Vec3{{10, 20, 30}, {12, 24, 36}, {11, 22, 33}},
		Colors:    []Color{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}

	scene := Prepare(cloud)

	if diff := cmp.Diff(Vec3{11, 22, 33}, scene.Center); diff != "" {
		t.Errorf("center mismatch (-want +got):\n%s", diff)
	}
	wantBounds := Bounds{Min: Vec3{-1, -2, -3}, Max: Vec3{1, 2, 3}}
	if diff := cmp.Diff(wantBounds, scene.Bounds); diff != "" {
		t.Errorf("bounds mismatch (-want +got):\n%s", diff)
	}
	if !scene.Material.VertexColors {
		t.Error("colored cloud should use vertex colors")
	}
	if cloud.Positions[0] != (Vec3{10, 20, 30}) {
		t.Error("Prepare must not modify the cloud")
	}
}

func TestPrepare_Empty(t *testing.T) {
	scene := Prepare(&Cloud{})
	if scene.Len() != 0 || scene.Material.Color != NeutralColor {
		t.Errorf("scene = %+v", scene)
	}
}

func TestEstimateNormals_Plane(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pts := make([]Vec3, 2000)
	for i := range pts {
		pts[i] = Vec3{X: rng.Float32()*2 - 1, Y: rng.Float32()*2 - 1, Z: 0.5}
	}

	normals := EstimateNormals(pts, DefaultNeighbors)

	for i, n := range normals {
		if math.Abs(float64(n.Z)-1) > 1e-3 {
			t.Fatalf("normal %d = %+v, want +Z", i, n)
		}
	}
}

func TestEstimateNormals_FarOutlierStaysFast(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pts := make([]Vec3, 40_000)
	for i := range pts {
		pts[i] = Vec3{X: rng.Float32()*2 - 1, Y: rng.Float32()*2 - 1, Z: 0.25}
	}
	pts[len(pts)-1] = Vec3{X: 1000, Y: 1000, Z: 1000}

	done := make(chan []Vec3, 1)
	go func() { done <- EstimateNormals(pts, DefaultNeighbors) }()

	var normals []Vec3
	select {
	case normals = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("normal estimation did not finish; a single outlier should not collapse the grid")
	}

	for i, n := range normals[:len(pts)-1] {
		if math.Abs(float64(n.Z)-1) > 1e-3 {
			t.Fatalf("normal %d = %+v, want +Z", i, n)
		}
	}
}

func TestGrid_ClampsOutliersIntoEdgeCells(t *testing.T) {
	pts := make([]Vec3, 1000)
	for i := range pts {
		pts[i] = Vec3{X: float32(i%10) / 10, Y: float32(i/10%10) / 10, Z: float32(i/100) / 10}
	}
	pts[0] = Vec3{X: -500, Y: 0, Z: 0}
	pts[1] = Vec3{X: 500, Y: 0, Z: 0}

	g := newGrid(pts, DefaultNeighbors)

	if lo, hi := g.key(pts[0]), g.key(pts[1]); lo.x != 0 || hi.x != g.dims[0]-1 {
		t.Errorf("outlier keys = %+v, %+v, dims = %v", lo, hi, g.dims)
	}
	if g.dims[0] > 64 {
		t.Errorf("dims = %v; the grid should span the inliers, not the outliers", g.dims)
	}
}

func TestEstimateNormals_SphereOrientedOutward(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	pts := make([]Vec3, 3000)
	for i := range pts {
		x, y, z := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
		l := math.Sqrt(x*x + y*y + z*z)
		pts[i] = Vec3{X: float32(x / l), Y: float32(y / l), Z: float32(z / l)}
	}

	normals := EstimateNormals(pts, DefaultNeighbors)

	bad := 0
	for i, n := range normals {
		p := pts[i]
		if dot := n.X*p.X + n.Y*p.Y + n.Z*p.Z; dot < 0.9 {
			bad++
		}
		if l := math.Sqrt(float64(n.X*n.X + n.Y*n.Y + n.Z*n.Z)); math.Abs(l-1) > 1e-4 {
			t.Fatalf("normal %d not unit length: %v", i, l)
		}
	}
	if bad > len(pts)/50 {
		t.Errorf("%d of %d normals deviate from the radial direction", bad, len(pts))
	}
}

func TestSmallestEigenvector(t *testing.T) {
	m := [3][3]float64{{4, 1, 0}, {1, 3, 0}, {0, 0, 0.5}}
	v, ok := smallestEigenvector(m)
	if !ok {
		t.Fatal("expected an eigenvector")
	}
	if math.Abs(math.Abs(v[2])-1) > 1e-9 {
		t.Errorf("v = %v, want ±Z", v)
	}

	if _, ok := smallestEigenvector([3][3]float64{}); ok {
		t.Error("zero matrix has no meaningful normal")
	}
}
