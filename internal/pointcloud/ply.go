// Package pointcloud parses reconstruction results and prepares them for
// display on a single view surface.
package pointcloud

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// maxVertices bounds allocation for a hostile or corrupt header.
const maxVertices = 50_000_000

// preallocVertices caps the up-front slice capacity taken from the header.
const preallocVertices = 1 << 16

// shC0 is the zeroth-order spherical harmonic constant used to turn
// Gaussian-splat f_dc coefficients into RGB.
const shC0 = 0.28209479177387814

type Vec3 struct {
	X, Y, Z float32
}

// Color is linear RGB in [0, 1].
type Color struct {
	R, G, B float32
}

// Cloud is a parsed point cloud. Colors is nil or parallel to Positions.
type Cloud struct {
	Positions []Vec3
	Colors    []Color
}

func (c *Cloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Positions)
}

// ParseError reports a malformed point-cloud payload.
type ParseError struct {
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse ply: %s: %v", e.Msg, e.Err)
	}
	return "parse ply: " + e.Msg
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Msg: fmt.Sprintf(format, args...)}
}

type format int

const (
	formatASCII format = iota
	formatBinaryLE
	formatBinaryBE
)

type scalarType int

const (
	typeInt8 scalarType = iota
	typeUint8
	typeInt16
	typeUint16
	typeInt32
	typeUint32
	typeFloat32
	typeFloat64
)

var scalarTypes = map[string]scalarType{
	"char": typeInt8, "int8": typeInt8,
	"uchar": typeUint8, "uint8": typeUint8,
	"short": typeInt16, "int16": typeInt16,
	"ushort": typeUint16, "uint16": typeUint16,
	"int": typeInt32, "int32": typeInt32,
	"uint": typeUint32, "uint32": typeUint32,
	"float": typeFloat32, "float32": typeFloat32,
	"double": typeFloat64, "float64": typeFloat64,
}

func (t scalarType) size() int {
	switch t {
	case typeInt8, typeUint8:
		return 1
	case typeInt16, typeUint16:
		return 2
	case typeInt32, typeUint32, typeFloat32:
		return 4
	default:
		return 8
	}
}

// colorScale maps an integer color channel to [0, 1].
func (t scalarType) colorScale() float64 {
	switch t {
	case typeUint8, typeInt8:
		return 255
	case typeUint16, typeInt16:
		return 65535
	case typeUint32, typeInt32:
		return math.MaxUint32
	default:
		return 1
	}
}

type property struct {
	name      string
	typ       scalarType
	list      bool
	countType scalarType
}

type element struct {
	name  string
	count int
	props []property
}

// rowSize is the fixed byte size of one row, or -1 when a list makes it vary.
func (e *element) rowSize() int {
	n := 0
	for _, p := range e.props {
		if p.list {
			return -1
		}
		n += p.typ.size()
	}
	return n
}

func (e *element) index(name string) int {
	for i, p := range e.props {
		if p.name == name && !p.list {
			return i
		}
	}
	return -1
}

type header struct {
	format   format
	elements []element
}

// Parse reads a PLY document (ascii, binary_little_endian or
// binary_big_endian). Only the vertex element is kept: x, y, z and either
// red/green/blue or the f_dc_0..2 coefficients written by Gaussian-splat
// trainers.
func Parse(r io.Reader) (*Cloud, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}

	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	vertexAt := -1
	for i := range h.elements {
		if h.elements[i].name == "vertex" {
			vertexAt = i
			break
		}
	}
	if vertexAt < 0 {
		return nil, parseErrorf("no vertex element in header")
	}

	var dec decoder
	switch h.format {
	case formatASCII:
		dec = &asciiDecoder{r: br}
	case formatBinaryLE:
		dec = &binaryDecoder{r: br, order: binary.LittleEndian}
	case formatBinaryBE:
		dec = &binaryDecoder{r: br, order: binary.BigEndian}
	}

	for i := 0; i < vertexAt; i++ {
		if err := dec.skip(&h.elements[i]); err != nil {
			return nil, err
		}
	}

	vertex := &h.elements[vertexAt]
	cloud, err := readVertices(dec, vertex)
	if err != nil {
		return nil, err
	}

	if vertexAt == len(h.elements)-1 {
		extra, err := dec.trailing()
		if err != nil {
			return nil, err
		}
		if extra {
			return nil, parseErrorf("vertex count mismatch: header declares %d vertices but more data follows", vertex.count)
		}
	}
	return cloud, nil
}

func readHeader(br *bufio.Reader) (*header, error) {
	line, err := readLine(br)
	if err != nil || line != "ply" {
		return nil, parseErrorf("missing ply magic")
	}

	h := &header{format: -1}
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, &ParseError{Msg: "header not terminated by end_header", Err: err}
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "end_header":
			if h.format < 0 {
				return nil, parseErrorf("missing format line")
			}
			return h, nil
		case "comment", "obj_info":
		case "format":
			if len(fields) < 2 {
				return nil, parseErrorf("malformed format line %q", line)
			}
			switch fields[1] {
			case "ascii":
				h.format = formatASCII
			case "binary_little_endian":
				h.format = formatBinaryLE
			case "binary_big_endian":
				h.format = formatBinaryBE
			default:
				return nil, parseErrorf("unsupported format %q", fields[1])
			}
		case "element":
			if len(fields) != 3 {
				return nil, parseErrorf("malformed element line %q", line)
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil || count < 0 {
				return nil, parseErrorf("invalid element count %q", fields[2])
			}
			if fields[1] == "vertex" && count > maxVertices {
				return nil, parseErrorf("vertex count %d exceeds limit %d", count, maxVertices)
			}
			h.elements = append(h.elements, element{name: fields[1], count: count})
		case "property":
			if len(h.elements) == 0 {
				return nil, parseErrorf("property before any element")
			}
			p, err := parseProperty(fields)
			if err != nil {
				return nil, err
			}
			el := &h.elements[len(h.elements)-1]
			el.props = append(el.props, p)
		default:
			return nil, parseErrorf("unexpected header line %q", line)
		}
	}
}

func parseProperty(fields []string) (property, error) {
	if len(fields) == 5 && fields[1] == "list" {
		ct, ok1 := scalarTypes[fields[2]]
		it, ok2 := scalarTypes[fields[3]]
		if !ok1 || !ok2 {
			return property{}, parseErrorf("unknown list property types %q %q", fields[2], fields[3])
		}
		return property{name: fields[4], typ: it, list: true, countType: ct}, nil
	}
	if len(fields) != 3 {
		return property{}, parseErrorf("malformed property line %q", strings.Join(fields, " "))
	}
	t, ok := scalarTypes[fields[1]]
	if !ok {
		return property{}, parseErrorf("unknown property type %q", fields[1])
	}
	return property{name: fields[2], typ: t}, nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// colorSource describes how the vertex element carries color.
type colorSource struct {
	idx   [3]int
	scale [3]float64
	sh    bool
}

func findColors(el *element) (colorSource, bool) {
	var cs colorSource
	for i, name := range [3]string{"red", "green", "blue"} {
		cs.idx[i] = el.index(name)
	}
	if cs.idx[0] >= 0 && cs.idx[1] >= 0 && cs.idx[2] >= 0 {
		for i := range cs.idx {
			cs.scale[i] = el.props[cs.idx[i]].typ.colorScale()
		}
		return cs, true
	}

	for i, name := range [3]string{"f_dc_0", "f_dc_1", "f_dc_2"} {
		cs.idx[i] = el.index(name)
	}
	if cs.idx[0] >= 0 && cs.idx[1] >= 0 && cs.idx[2] >= 0 {
		cs.sh = true
		return cs, true
	}
	return cs, false
}

func (cs *colorSource) color(row []float64) Color {
	var rgb [3]float32
	for i, idx := range cs.idx {
		v := row[idx]
		if cs.sh {
			v = 0.5 + shC0*v
		} else {
			v /= cs.scale[i]
		}
		rgb[i] = float32(min(max(v, 0), 1))
	}
	return Color{R: rgb[0], G: rgb[1], B: rgb[2]}
}

func readVertices(dec decoder, el *element) (*Cloud, error) {
	xi, yi, zi := el.index("x"), el.index("y"), el.index("z")
	if xi < 0 || yi < 0 || zi < 0 {
		return nil, parseErrorf("vertex element lacks x, y, z properties")
	}
	cs, hasColor := findColors(el)

	// the header count is untrusted until the rows arrive
	prealloc := min(el.count, preallocVertices)
	cloud := &Cloud{Positions: make([]Vec3, 0, prealloc)}
	if hasColor {
		cloud.Colors = make([]Color, 0, prealloc)
	}

	row := make([]float64, len(el.props))
	for i := 0; i < el.count; i++ {
		if err := dec.row(el, row); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, parseErrorf("truncated vertex data: vertex count mismatch, read %d of %d", i, el.count)
			}
			return nil, err
		}
		cloud.Positions = append(cloud.Positions, Vec3{X: float32(row[xi]), Y: float32(row[yi]), Z: float32(row[zi])})
		if hasColor {
			cloud.Colors = append(cloud.Colors, cs.color(row))
		}
	}
	return cloud, nil
}

// decoder reads element rows in one of the PLY encodings. List properties
// are consumed and reported as their length.
type decoder interface {
	row(el *element, out []float64) error
	skip(el *element) error
	trailing() (bool, error)
}

type asciiDecoder struct {
	r *bufio.Reader
}

func (d *asciiDecoder) nextLine() (string, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
		if err == io.EOF {
			return "", io.EOF
		}
	}
}

func (d *asciiDecoder) row(el *element, out []float64) error {
	line, err := d.nextLine()
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	pos := 0
	take := func() (float64, error) {
		if pos >= len(fields) {
			return 0, parseErrorf("%s row has too few values: %q", el.name, strings.TrimSpace(line))
		}
		v, err := strconv.ParseFloat(fields[pos], 64)
		if err != nil {
			return 0, &ParseError{Msg: fmt.Sprintf("invalid %s value %q", el.name, fields[pos]), Err: err}
		}
		pos++
		return v, nil
	}

	for i, p := range el.props {
		v, err := take()
		if err != nil {
			return err
		}
		if p.list {
			n := int(v)
			for j := 0; j < n; j++ {
				if _, err := take(); err != nil {
					return err
				}
			}
			v = float64(n)
		}
		out[i] = v
	}
	if pos != len(fields) {
		return parseErrorf("%s row has %d values, expected %d", el.name, len(fields), pos)
	}
	return nil
}

func (d *asciiDecoder) skip(el *element) error {
	for i := 0; i < el.count; i++ {
		if _, err := d.nextLine(); err != nil {
			if errors.Is(err, io.EOF) {
				return parseErrorf("truncated %s data: read %d of %d rows", el.name, i, el.count)
			}
			return err
		}
	}
	return nil
}

func (d *asciiDecoder) trailing() (bool, error) {
	_, err := d.nextLine()
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type binaryDecoder struct {
	r     *bufio.Reader
	order binary.ByteOrder
	buf   []byte
}

func (d *binaryDecoder) read(n int) ([]byte, error) {
	if cap(d.buf) < n {
		d.buf = make([]byte, n)
	}
	b := d.buf[:n]
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *binaryDecoder) scalar(t scalarType, b []byte) float64 {
	switch t {
	case typeInt8:
		return float64(int8(b[0]))
	case typeUint8:
		return float64(b[0])
	case typeInt16:
		return float64(int16(d.order.Uint16(b)))
	case typeUint16:
		return float64(d.order.Uint16(b))
	case typeInt32:
		return float64(int32(d.order.Uint32(b)))
	case typeUint32:
		return float64(d.order.Uint32(b))
	case typeFloat32:
		return float64(math.Float32frombits(d.order.Uint32(b)))
	default:
		return math.Float64frombits(d.order.Uint64(b))
	}
}

func (d *binaryDecoder) row(el *element, out []float64) error {
	if size := el.rowSize(); size >= 0 {
		b, err := d.read(size)
		if err != nil {
			return err
		}
		off := 0
		for i, p := range el.props {
			out[i] = d.scalar(p.typ, b[off:])
			off += p.typ.size()
		}
		return nil
	}

	for i, p := range el.props {
		if !p.list {
			b, err := d.read(p.typ.size())
			if err != nil {
				return err
			}
			out[i] = d.scalar(p.typ, b)
			continue
		}
		b, err := d.read(p.countType.size())
		if err != nil {
			return err
		}
		n := int(d.scalar(p.countType, b))
		if n < 0 {
			return parseErrorf("negative list length in %s", el.name)
		}
		if _, err := d.r.Discard(n * p.typ.size()); err != nil {
			return err
		}
		out[i] = float64(n)
	}
	return nil
}

func (d *binaryDecoder) skip(el *element) error {
	if size := el.rowSize(); size >= 0 {
		if _, err := d.r.Discard(size * el.count); err != nil {
			return parseErrorf("truncated %s data", el.name)
		}
		return nil
	}
	row := make([]float64, len(el.props))
	for i := 0; i < el.count; i++ {
		if err := d.row(el, row); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return parseErrorf("truncated %s data: read %d of %d rows", el.name, i, el.count)
			}
			return err
		}
	}
	return nil
}

func (d *binaryDecoder) trailing() (bool, error) {
	_, err := d.r.Peek(1)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
