package pointcloud

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

// Stride is the float32 count per vertex in a packed frame:
// position, normal, color.
const Stride = 9

var errForeignResident = errors.New("resident buffer belongs to another surface")

// Frame is the attached scene in the packed form the browser uploads to
// the GPU.
type Frame struct {
	Version uint64
	Points  int
	Summary Summary
	// Data holds Points*Stride little-endian float32 values.
	Data []byte
}

// MemorySurface is the agent's view surface: it keeps packed vertex buffers
// in memory and exposes the attached one to the control API.
type MemorySurface struct {
	mu       sync.RWMutex
	next     uint64
	resident map[uint64]*memoryBuffer
	attached *memoryBuffer
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{resident: make(map[uint64]*memoryBuffer)}
}

type memoryBuffer struct {
	surface *MemorySurface
	id      uint64
	summary Summary
	points  int
	data    []byte
}

func (b *memoryBuffer) Release() {
	s := b.surface
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resident, b.id)
	if s.attached == b {
		s.attached = nil
	}
	b.data = nil
}

func (s *MemorySurface) Upload(scene *Scene) (Resident, error) {
	n := scene.Len()
	data := make([]byte, n*Stride*4)
	put := func(off int, v float32) {
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(v))
	}

	fallback := unpackRGB(scene.Material.Color)
	for i, p := range scene.Positions {
		off := i * Stride * 4
		put(off, p.X)
		put(off+4, p.Y)
		put(off+8, p.Z)
		if i < len(scene.Normals) {
			nm := scene.Normals[i]
			put(off+12, nm.X)
			put(off+16, nm.Y)
			put(off+20, nm.Z)
		}
		c := fallback
		if scene.Material.VertexColors && i < len(scene.Colors) {
			c = scene.Colors[i]
		}
		put(off+24, c.R)
		put(off+28, c.G)
		put(off+32, c.B)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	buf := &memoryBuffer{surface: s, id: s.next, summary: scene.Summary(), points: n, data: data}
	s.resident[buf.id] = buf
	return buf, nil
}

func (s *MemorySurface) Attach(r Resident) error {
	buf, ok := r.(*memoryBuffer)
	if !ok || buf.surface != s {
		return errForeignResident
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.resident[buf.id]; !live {
		return errors.New("resident buffer already released")
	}
	s.attached = buf
	return nil
}

func (s *MemorySurface) Detach(r Resident) {
	buf, ok := r.(*memoryBuffer)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == buf {
		s.attached = nil
	}
}

// Attached returns the attached frame.
func (s *MemorySurface) Attached() (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.attached == nil {
		return Frame{}, false
	}
	return Frame{
		Version: s.attached.id,
		Points:  s.attached.points,
		Summary: s.attached.summary,
		Data:    s.attached.data,
	}, true
}

// ResidentCount is the number of uploaded buffers not yet released.
func (s *MemorySurface) ResidentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resident)
}

func unpackRGB(hex uint32) Color {
	return Color{
		R: float32(hex>>16&0xff) / 255,
		G: float32(hex>>8&0xff) / 255,
		B: float32(hex&0xff) / 255,
	}
}
