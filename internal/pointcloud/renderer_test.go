package pointcloud

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/splatview/splatview-agent/internal/logging"
)

type recordingSurface struct {
	events   []string
	resident map[string]bool
	attached string
	maxLive  int
	failNext bool
}

type recordedBuffer struct {
	s    *recordingSurface
	name string
}

func (b *recordedBuffer) Release() {
	b.s.events = append(b.s.events, "release "+b.name)
	delete(b.s.resident, b.name)
}

func newRecordingSurface() *recordingSurface {
	return &recordingSurface{resident: map[string]bool{}}
}

func (s *recordingSurface) Upload(scene *Scene) (Resident, error) {
	name := fmt.Sprintf("%d", scene.Len())
	s.events = append(s.events, "upload "+name)
	if s.failNext {
		s.failNext = false
		return nil, errors.New("out of memory")
	}
	s.resident[name] = true
	s.maxLive = max(s.maxLive, len(s.resident))
	return &recordedBuffer{s: s, name: name}, nil
}

func (s *recordingSurface) Attach(r Resident) error {
	b := r.(*recordedBuffer)
	s.events = append(s.events, "attach "+b.name)
	s.attached = b.name
	return nil
}

func (s *recordingSurface) Detach(r Resident) {
	b := r.(*recordedBuffer)
	s.events = append(s.events, "detach "+b.name)
	if s.attached == b.name {
		s.attached = ""
	}
}

func sceneOf(n int) *Scene {
	pts := make([]Vec3, n)
	for i := range pts {
		pts[i] = Vec3{X: float32(i)}
	}
	return Prepare(&Cloud{Positions: pts})
}

func TestRenderer_SwapReleasesBeforeAttach(t *testing.T) {
	surface := newRecordingSurface()
	r := NewRenderer(surface, logging.Discard())

	a, b := sceneOf(1), sceneOf(2)
	if err := r.Attach(a); err != nil {
		t.Fatalf("Attach(a) error = %v", err)
	}
	if err := r.Attach(b); err != nil {
		t.Fatalf("Attach(b) error = %v", err)
	}

	want := []string{"upload 1", "attach 1", "detach 1", "release 1", "upload 2", "attach 2"}
	if diff := cmp.Diff(want, surface.events); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
	if surface.maxLive != 1 {
		t.Errorf("max resident scenes = %d, want 1", surface.maxLive)
	}
	if r.Current() != b {
		t.Error("Current() should be the last attached scene")
	}

	r.Dispose()
	if r.Current() != nil || len(surface.resident) != 0 || surface.attached != "" {
		t.Errorf("dispose left state behind: current=%v resident=%v", r.Current(), surface.resident)
	}
	r.Dispose()
}

func TestRenderer_AttachIfStale(t *testing.T) {
	surface := newRecordingSurface()
	r := NewRenderer(surface, logging.Discard())
	r.Attach(sceneOf(1))

	attached, err := r.AttachIf(sceneOf(2), func() bool { return false })
	if err != nil || attached {
		t.Fatalf("AttachIf(stale) = %v, %v", attached, err)
	}
	if surface.attached != "1" || r.Current().Len() != 1 {
		t.Error("stale attach must leave the displayed scene alone")
	}
}

func TestRenderer_UploadFailureLeavesViewEmpty(t *testing.T) {
	surface := newRecordingSurface()
	r := NewRenderer(surface, logging.Discard())
	r.Attach(sceneOf(1))

	surface.failNext = true
	if err := r.Attach(sceneOf(2)); err == nil {
		t.Fatal("expected upload error")
	}
	if r.Current() != nil || len(surface.resident) != 0 {
		t.Error("previous scene should already be released and nothing attached")
	}
}

func TestMemorySurface_PacksAttachedFrame(t *testing.T) {
	surface := NewMemorySurface()
	r := NewRenderer(surface, logging.Discard())

	if _, ok := surface.Attached(); ok {
		t.Fatal("new surface should have nothing attached")
	}

	scene := Prepare(&Cloud{Positions: []Vec3{{1, 1, 1}, {-1, -1, -1}}})
	if err := r.Attach(scene); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	frame, ok := surface.Attached()
	if !ok {
		t.Fatal("frame not attached")
	}
	if frame.Points != 2 || len(frame.Data) != 2*Stride*4 {
		t.Fatalf("frame = %d points, %d bytes", frame.Points, len(frame.Data))
	}

	f := func(i int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(frame.Data[i*4:])) }
	if f(0) != 1 || f(1) != 1 || f(2) != 1 {
		t.Errorf("first position = %v %v %v", f(0), f(1), f(2))
	}
	neutral := float32(0x88) / 255
	if f(6) != neutral || f(7) != neutral || f(8) != neutral {
		t.Errorf("fallback color = %v %v %v, want %v", f(6), f(7), f(8), neutral)
	}

	first := frame.Version
	r.Attach(sceneOf(3))
	frame, _ = surface.Attached()
	if frame.Version == first || frame.Points != 3 {
		t.Errorf("swap did not replace the frame: %+v", frame.Summary)
	}
	if surface.ResidentCount() != 1 {
		t.Errorf("ResidentCount() = %d, want 1", surface.ResidentCount())
	}

	r.Dispose()
	if surface.ResidentCount() != 0 {
		t.Errorf("ResidentCount() after dispose = %d", surface.ResidentCount())
	}
}

func TestMemorySurface_RejectsForeignBuffer(t *testing.T) {
	a, b := NewMemorySurface(), NewMemorySurface()
	res, _ := a.Upload(sceneOf(1))
	if err := b.Attach(res); err == nil {
		t.Fatal("expected error attaching a buffer from another surface")
	}
}

func TestLoad_ErrorKinds(t *testing.T) {
	ctx := context.Background()

	failing := OpenerFunc(func(ctx context.Context, ref string) (io.ReadCloser, error) {
		return nil, errors.New("connection reset")
	})
	_, err := Load(ctx, failing, "http://remote/download/a/b.ply")
	var lErr *LoadError
	if !errors.As(err, &lErr) || lErr.Reference != "http://remote/download/a/b.ply" {
		t.Errorf("err = %v, want *LoadError", err)
	}

	garbage := OpenerFunc(func(ctx context.Context, ref string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("not a point cloud")), nil
	})
	_, err = Load(ctx, garbage, "x")
	var pErr *ParseError
	if !errors.As(err, &pErr) {
		t.Errorf("err = %v, want *ParseError", err)
	}

	broken := OpenerFunc(func(ctx context.Context, ref string) (io.ReadCloser, error) {
		return io.NopCloser(io.MultiReader(
			strings.NewReader("ply\nformat ascii 1.0\nelement vertex 2\nproperty float x\nproperty float y\nproperty float z\nend_header\n1 2 3\n"),
			errReader{},
		)), nil
	})
	_, err = Load(ctx, broken, "y")
	if !errors.As(err, &lErr) {
		t.Errorf("mid-stream read failure err = %v, want *LoadError", err)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("network down") }

func TestLoadScene_FromFile(t *testing.T) {
	path := t.TempDir() + "/cloud.ply"
	doc := "ply\nformat ascii 1.0\nelement vertex 2\nproperty float x\nproperty float y\nproperty float z\nend_header\n1 1 1\n-1 -1 -1\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	scene, err := LoadScene(context.Background(), FileOpener, path)
	if err != nil {
		t.Fatalf("LoadScene() error = %v", err)
	}
	if scene.Len() != 2 || scene.Material.Color != NeutralColor {
		t.Errorf("scene = %+v", scene.Summary())
	}
}
