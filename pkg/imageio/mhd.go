package imageio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// ElementType is the pixel type stored in the raw file
type ElementType string

const (
	Float32 ElementType = "MET_FLOAT"
	Float64 ElementType = "MET_DOUBLE"
	Uint16  ElementType = "MET_USHORT"
)

func (t ElementType) size() int {
	switch t {
	case Float64:
		return 8
	case Uint16:
		return 2
	default:
		return 4
	}
}

// WriteOptions controls the raster encoding
type WriteOptions struct {
	// ElementType defaults to Float32
	ElementType ElementType

	// Compress writes a zlib stream to a .zraw file
	Compress bool
}

// WriteMHD writes img as path (the .mhd header) and a raster file next to it
func WriteMHD(path string, img *Image, opts WriteOptions) error {
	if opts.ElementType == "" {
		opts.ElementType = Float32
	}
	if len(img.Data) != img.Len() {
		return fmt.Errorf("image data has %d values, expected %d", len(img.Data), img.Len())
	}

	base := strings.TrimSuffix(path, filepath.Ext(path))
	rawPath := base + ".raw"
	if opts.Compress {
		rawPath = base + ".zraw"
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	compressedSize, err := writeRaster(rawPath, img, opts)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create header file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "ObjectType = Image\n")
	fmt.Fprintf(w, "NDims = 3\n")
	fmt.Fprintf(w, "BinaryData = True\n")
	fmt.Fprintf(w, "BinaryDataByteOrderMSB = False\n")
	if opts.Compress {
		fmt.Fprintf(w, "CompressedData = True\n")
		fmt.Fprintf(w, "CompressedDataSize = %d\n", compressedSize)
	} else {
		fmt.Fprintf(w, "CompressedData = False\n")
	}
	fmt.Fprintf(w, "TransformMatrix = 1 0 0 0 1 0 0 0 1\n")
	fmt.Fprintf(w, "Offset = %s\n", joinFloats(img.Origin[:]))
	fmt.Fprintf(w, "CenterOfRotation = 0 0 0\n")
	fmt.Fprintf(w, "AnatomicalOrientation = RAI\n")
	fmt.Fprintf(w, "ElementSpacing = %s\n", joinFloats(img.Spacing[:]))
	fmt.Fprintf(w, "DimSize = %d %d %d\n", img.Size[0], img.Size[1], img.Size[2])
	fmt.Fprintf(w, "ElementType = %s\n", opts.ElementType)
	fmt.Fprintf(w, "ElementDataFile = %s\n", filepath.Base(rawPath))
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write header file: %w", err)
	}
	return nil
}

// countingWriter tracks the number of bytes written to the file
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func writeRaster(path string, img *Image, opts WriteOptions) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create raster file: %w", err)
	}
	defer f.Close()

	counter := &countingWriter{w: f}
	bw := bufio.NewWriter(counter)
	var w io.Writer = bw
	var zw *zlib.Writer
	if opts.Compress {
		zw = zlib.NewWriter(bw)
		w = zw
	}

	buf := make([]byte, opts.ElementType.size())
	for _, v := range img.Data {
		switch opts.ElementType {
		case Float64:
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		case Uint16:
			binary.LittleEndian.PutUint16(buf, uint16(math.Max(0, math.Min(65535, math.Round(v)))))
		default:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
		}
		if _, err := w.Write(buf); err != nil {
			return 0, fmt.Errorf("failed to write raster: %w", err)
		}
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			return 0, fmt.Errorf("failed to compress raster: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to write raster: %w", err)
	}
	return counter.n, nil
}

func joinFloats(v []float64) string {
	s := make([]string, len(v))
	for i, x := range v {
		s[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(s, " ")
}

func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d values, got %q", n, s)
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// maxVoxels bounds the images ReadMHD allocates
const maxVoxels = 1 << 31

// ReadMHD reads a MetaImage header and its raster file
func ReadMHD(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open header file: %w", err)
	}
	defer f.Close()

	header := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		header[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read header file: %w", err)
	}

	if nd := header["NDims"]; nd != "3" {
		return nil, fmt.Errorf("only 3D images are supported, got NDims = %q", nd)
	}
	img := &Image{Spacing: [3]float64{1, 1, 1}}

	dims, err := parseFloats(header["DimSize"], 3)
	if err != nil {
		return nil, fmt.Errorf("invalid DimSize: %w", err)
	}
	voxels := 1.0
	for i, d := range dims {
		if d < 1 || d != math.Trunc(d) {
			return nil, fmt.Errorf("invalid DimSize: %v is not a positive integer", d)
		}
		voxels *= d
		img.Size[i] = int(d)
	}
	if voxels > maxVoxels {
		return nil, fmt.Errorf("invalid DimSize: %v voxels exceed the limit of %d", voxels, maxVoxels)
	}
	if s, ok := header["ElementSpacing"]; ok {
		v, err := parseFloats(s, 3)
		if err != nil {
			return nil, fmt.Errorf("invalid ElementSpacing: %w", err)
		}
		copy(img.Spacing[:], v)
	}
	if s, ok := header["Offset"]; ok {
		v, err := parseFloats(s, 3)
		if err != nil {
			return nil, fmt.Errorf("invalid Offset: %w", err)
		}
		copy(img.Origin[:], v)
	}
	if header["BinaryDataByteOrderMSB"] == "True" {
		return nil, fmt.Errorf("big endian rasters are not supported")
	}

	et := ElementType(header["ElementType"])
	switch et {
	case Float32, Float64, Uint16:
	default:
		return nil, fmt.Errorf("unsupported ElementType %q", et)
	}

	dataFile := header["ElementDataFile"]
	if dataFile == "" || dataFile == "LOCAL" {
		return nil, fmt.Errorf("ElementDataFile must name a separate raster file")
	}
	rf, err := os.Open(filepath.Join(filepath.Dir(path), dataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open raster file: %w", err)
	}
	defer rf.Close()

	compressed := header["CompressedData"] == "True"
	if !compressed {
		st, err := rf.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat raster file: %w", err)
		}
		if want := int64(img.Len()) * int64(et.size()); st.Size() < want {
			return nil, fmt.Errorf("raster file holds %d bytes, DimSize needs %d", st.Size(), want)
		}
	}

	var r io.Reader = bufio.NewReader(rf)
	if compressed {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed raster: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	img.Data = make([]float64, img.Len())
	buf := make([]byte, et.size())
	for i := range img.Data {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read raster value %d: %w", i, err)
		}
		switch et {
		case Float64:
			img.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		case Uint16:
			img.Data[i] = float64(binary.LittleEndian.Uint16(buf))
		default:
			img.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		}
	}
	return img, nil
}
