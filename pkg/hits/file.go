package hits

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinylib/msgp/msgp"

	"gatedigitizer/internal/models"
)

// Hit files are a msgpack stream: a magic string and a format version,
// followed by one array per hit:
//
//	[event, track, parent, particle, [[name, copy]...], [pre xyz], [post xyz], edep, ekin, time]
const (
	fileMagic   = "gatedigitizer-hits"
	fileVersion = 1
	hitFields   = 10
)

// FileSink writes hits to a msgpack hit file
type FileSink struct {
	w      *msgp.Writer
	closer io.Closer
	count  int64
}

// NewFileSink writes the file header to w and returns a sink
func NewFileSink(w io.Writer) (*FileSink, error) {
	s := &FileSink{w: msgp.NewWriter(w)}
	if err := s.w.WriteString(fileMagic); err != nil {
		return nil, fmt.Errorf("failed to write hit file header: %w", err)
	}
	if err := s.w.WriteInt(fileVersion); err != nil {
		return nil, fmt.Errorf("failed to write hit file header: %w", err)
	}
	return s, nil
}

// CreateFile creates a hit file at path
func CreateFile(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create hit file: %w", err)
	}
	s, err := NewFileSink(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

func writeVec(w *msgp.Writer, v models.Vec3) error {
	if err := w.WriteArrayHeader(3); err != nil {
		return err
	}
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if err := w.WriteFloat64(c); err != nil {
			return err
		}
	}
	return nil
}

// Write appends one hit to the file
func (s *FileSink) Write(h models.HitRecord) error {
	w := s.w
	if err := w.WriteArrayHeader(hitFields); err != nil {
		return err
	}
	if err := w.WriteInt64(h.EventID); err != nil {
		return err
	}
	if err := w.WriteInt64(h.TrackID); err != nil {
		return err
	}
	if err := w.WriteInt64(h.ParentID); err != nil {
		return err
	}
	if err := w.WriteString(h.ParticleName); err != nil {
		return err
	}

	if err := w.WriteArrayHeader(uint32(len(h.Volume))); err != nil {
		return err
	}
	for _, l := range h.Volume {
		if err := w.WriteArrayHeader(2); err != nil {
			return err
		}
		if err := w.WriteString(l.Name); err != nil {
			return err
		}
		if err := w.WriteInt(l.Copy); err != nil {
			return err
		}
	}

	if err := writeVec(w, h.PrePosition); err != nil {
		return err
	}
	if err := writeVec(w, h.PostPosition); err != nil {
		return err
	}
	if err := w.WriteFloat64(h.EnergyDeposit); err != nil {
		return err
	}
	if err := w.WriteFloat64(h.KineticEnergy); err != nil {
		return err
	}
	if err := w.WriteFloat64(h.GlobalTime); err != nil {
		return err
	}
	s.count++
	return nil
}

// Add implements HitSink so a FileSink can terminate a collection
func (s *FileSink) Add(h models.HitRecord) error {
	return s.Write(h)
}

// Count returns the number of hits written
func (s *FileSink) Count() int64 {
	return s.count
}

// Close flushes buffered data and closes the underlying file, if owned
func (s *FileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush hit file: %w", err)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// FileSource reads a msgpack hit file in event-aligned batches
type FileSource struct {
	r       *msgp.Reader
	closer  io.Closer
	batcher *eventBatcher
}

// NewFileSource checks the file header and returns a source
func NewFileSource(r io.Reader, batchSize int) (*FileSource, error) {
	s := &FileSource{r: msgp.NewReader(r)}
	magic, err := s.r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("failed to read hit file header: %w", err)
	}
	if magic != fileMagic {
		return nil, fmt.Errorf("not a hit file (magic %q)", magic)
	}
	version, err := s.r.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("failed to read hit file version: %w", err)
	}
	if version != fileVersion {
		return nil, fmt.Errorf("unsupported hit file version %d", version)
	}
	s.batcher = newEventBatcher(s, batchSize)
	return s, nil
}

// OpenFile opens a hit file at path
func OpenFile(path string, batchSize int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hit file: %w", err)
	}
	s, err := NewFileSource(bufio.NewReader(f), batchSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

func readVec(r *msgp.Reader) (models.Vec3, error) {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return models.Vec3{}, err
	}
	if n != 3 {
		return models.Vec3{}, fmt.Errorf("position has %d components", n)
	}
	var c [3]float64
	for i := range c {
		if c[i], err = r.ReadFloat64(); err != nil {
			return models.Vec3{}, err
		}
	}
	return models.Vec3{X: c[0], Y: c[1], Z: c[2]}, nil
}

func (s *FileSource) read() (models.HitRecord, error) {
	var h models.HitRecord
	r := s.r

	n, err := r.ReadArrayHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return h, io.EOF
		}
		return h, err
	}
	if n != hitFields {
		return h, fmt.Errorf("hit record has %d fields, expected %d", n, hitFields)
	}

	if h.EventID, err = r.ReadInt64(); err != nil {
		return h, err
	}
	if h.TrackID, err = r.ReadInt64(); err != nil {
		return h, err
	}
	if h.ParentID, err = r.ReadInt64(); err != nil {
		return h, err
	}
	if h.ParticleName, err = r.ReadString(); err != nil {
		return h, err
	}

	levels, err := r.ReadArrayHeader()
	if err != nil {
		return h, err
	}
	h.Volume = make(models.VolumeID, levels)
	for i := range h.Volume {
		if sz, err := r.ReadArrayHeader(); err != nil {
			return h, err
		} else if sz != 2 {
			return h, fmt.Errorf("volume level has %d fields", sz)
		}
		if h.Volume[i].Name, err = r.ReadString(); err != nil {
			return h, err
		}
		if h.Volume[i].Copy, err = r.ReadInt(); err != nil {
			return h, err
		}
	}

	if h.PrePosition, err = readVec(r); err != nil {
		return h, err
	}
	if h.PostPosition, err = readVec(r); err != nil {
		return h, err
	}
	if h.EnergyDeposit, err = r.ReadFloat64(); err != nil {
		return h, err
	}
	if h.KineticEnergy, err = r.ReadFloat64(); err != nil {
		return h, err
	}
	if h.GlobalTime, err = r.ReadFloat64(); err != nil {
		return h, err
	}
	return h, nil
}

// Next returns the next batch of hits
func (s *FileSource) Next(ctx context.Context) ([]models.HitRecord, error) {
	return s.batcher.next(ctx)
}

// Close closes the underlying file, if owned
func (s *FileSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
