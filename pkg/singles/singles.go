// Package singles stores singles as an Arrow IPC file for offline analysis.
//
// One row per (channel, single). The optional time_difference and
// number_of_hits columns are null when the adder did not compute them.
package singles

import (
	"fmt"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"gatedigitizer/internal/models"
)

// Column order of the table
const (
	colEventID = iota
	colPositionX
	colPositionY
	colPositionZ
	colEnergy
	colGlobalTime
	colVolumeID
	colTimeDifference
	colNumberOfHits
	colChannel
)

// Schema is the layout of a singles file
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "event_id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "position_x", Type: arrow.PrimitiveTypes.Float64},
	{Name: "position_y", Type: arrow.PrimitiveTypes.Float64},
	{Name: "position_z", Type: arrow.PrimitiveTypes.Float64},
	{Name: "energy", Type: arrow.PrimitiveTypes.Float64},
	{Name: "global_time", Type: arrow.PrimitiveTypes.Float64},
	{Name: "volume_id", Type: arrow.BinaryTypes.String},
	{Name: "time_difference", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "number_of_hits", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "channel", Type: arrow.BinaryTypes.String},
}, nil)

// DefaultBatchSize is the number of rows per Arrow record
const DefaultBatchSize = 8192

// Row is one entry of a singles file
type Row struct {
	Channel string
	Single  models.Single
}

// Writer appends singles to an Arrow IPC file
type Writer struct {
	f       *os.File
	w       *ipc.FileWriter
	b       *array.RecordBuilder
	batch   int
	pending int
	rows    int64
}

// Create opens a singles file at path. Rows are grouped batchSize at a time.
func Create(path string, batchSize int) (*Writer, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create singles file: %w", err)
	}
	pool := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema), ipc.WithAllocator(pool))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create arrow writer: %w", err)
	}
	return &Writer{
		f:     f,
		w:     w,
		b:     array.NewRecordBuilder(pool, Schema),
		batch: batchSize,
	}, nil
}

// Write appends one row
func (w *Writer) Write(channel string, s models.Single) error {
	b := w.b
	b.Field(colEventID).(*array.Int64Builder).Append(s.EventID)
	b.Field(colPositionX).(*array.Float64Builder).Append(s.Position.X)
	b.Field(colPositionY).(*array.Float64Builder).Append(s.Position.Y)
	b.Field(colPositionZ).(*array.Float64Builder).Append(s.Position.Z)
	b.Field(colEnergy).(*array.Float64Builder).Append(s.Energy)
	b.Field(colGlobalTime).(*array.Float64Builder).Append(s.GlobalTime)
	b.Field(colVolumeID).(*array.StringBuilder).Append(s.Volume.Key())
	if s.HasTimeDifference {
		b.Field(colTimeDifference).(*array.Float64Builder).Append(s.TimeDifference)
	} else {
		b.Field(colTimeDifference).AppendNull()
	}
	if s.HasNumberOfHits {
		b.Field(colNumberOfHits).(*array.Int32Builder).Append(int32(s.NumberOfHits))
	} else {
		b.Field(colNumberOfHits).AppendNull()
	}
	b.Field(colChannel).(*array.StringBuilder).Append(channel)

	w.pending++
	w.rows++
	if w.pending >= w.batch {
		return w.flush()
	}
	return nil
}

func (w *Writer) flush() error {
	if w.pending == 0 {
		return nil
	}
	rec := w.b.NewRecord()
	defer rec.Release()
	w.pending = 0
	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write singles record: %w", err)
	}
	return nil
}

// Rows returns the number of rows written
func (w *Writer) Rows() int64 {
	return w.rows
}

// Close writes the pending rows and the file footer
func (w *Writer) Close() error {
	defer w.b.Release()
	if err := w.flush(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.w.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("failed to close arrow writer: %w", err)
	}
	return w.f.Close()
}

// ReadAll loads every row of a singles file
func ReadAll(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open singles file: %w", err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open arrow file: %w", err)
	}
	defer r.Close()

	if !r.Schema().Equal(Schema) {
		return nil, fmt.Errorf("unexpected singles schema: %s", r.Schema())
	}

	var out []Row
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read singles record %d: %w", i, err)
		}
		eventID := rec.Column(colEventID).(*array.Int64)
		px := rec.Column(colPositionX).(*array.Float64)
		py := rec.Column(colPositionY).(*array.Float64)
		pz := rec.Column(colPositionZ).(*array.Float64)
		energy := rec.Column(colEnergy).(*array.Float64)
		gtime := rec.Column(colGlobalTime).(*array.Float64)
		volume := rec.Column(colVolumeID).(*array.String)
		tdiff := rec.Column(colTimeDifference).(*array.Float64)
		nhits := rec.Column(colNumberOfHits).(*array.Int32)
		channel := rec.Column(colChannel).(*array.String)

		for j := 0; j < int(rec.NumRows()); j++ {
			vid, err := models.ParseVolumeID(volume.Value(j))
			if err != nil {
				return nil, err
			}
			s := models.Single{
				EventID:    eventID.Value(j),
				Volume:     vid,
				Position:   models.Vec3{X: px.Value(j), Y: py.Value(j), Z: pz.Value(j)},
				Energy:     energy.Value(j),
				GlobalTime: gtime.Value(j),
				Weight:     1,
			}
			if !tdiff.IsNull(j) {
				s.TimeDifference = tdiff.Value(j)
				s.HasTimeDifference = true
			}
			if !nhits.IsNull(j) {
				s.NumberOfHits = int(nhits.Value(j))
				s.HasNumberOfHits = true
			}
			out = append(out, Row{Channel: channel.Value(j), Single: s})
		}
	}
	return out, nil
}
