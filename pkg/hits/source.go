package hits

import (
	"context"
	"io"

	"gatedigitizer/internal/models"
)

// Source produces the hit stream emitted by the transport engine. Next
// returns the next batch of hits, or io.EOF once the stream is exhausted.
// A batch never ends in the middle of an event.
type Source interface {
	Next(ctx context.Context) ([]models.HitRecord, error)
}

// DefaultBatchSize is the number of hits pulled per batch when unspecified
const DefaultBatchSize = 4096

type hitReader interface {
	read() (models.HitRecord, error)
}

// eventBatcher pulls hits one by one and cuts batches on event boundaries.
type eventBatcher struct {
	r       hitReader
	size    int
	pending *models.HitRecord
	done    bool
}

func newEventBatcher(r hitReader, size int) *eventBatcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &eventBatcher{r: r, size: size}
}

func (b *eventBatcher) next(ctx context.Context) ([]models.HitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := make([]models.HitRecord, 0, b.size)
	if b.pending != nil {
		batch = append(batch, *b.pending)
		b.pending = nil
	}

	for !b.done {
		h, err := b.r.read()
		if err == io.EOF {
			b.done = true
			break
		}
		if err != nil {
			return nil, err
		}

		// keep going past the batch size until the event is complete
		if len(batch) >= b.size && h.EventID != batch[len(batch)-1].EventID {
			b.pending = &h
			break
		}
		batch = append(batch, h)
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// SliceSource serves hits from memory
type SliceSource struct {
	hits    []models.HitRecord
	pos     int
	batcher *eventBatcher
}

// NewSliceSource creates a source over hits, pulled batchSize at a time
func NewSliceSource(hits []models.HitRecord, batchSize int) *SliceSource {
	s := &SliceSource{hits: hits}
	s.batcher = newEventBatcher(s, batchSize)
	return s
}

func (s *SliceSource) read() (models.HitRecord, error) {
	if s.pos >= len(s.hits) {
		return models.HitRecord{}, io.EOF
	}
	h := s.hits[s.pos]
	s.pos++
	return h, nil
}

// Next returns the next batch of hits
func (s *SliceSource) Next(ctx context.Context) ([]models.HitRecord, error) {
	return s.batcher.next(ctx)
}

// ReadAll drains a source into memory
func ReadAll(ctx context.Context, src Source) ([]models.HitRecord, error) {
	var all []models.HitRecord
	for {
		batch, err := src.Next(ctx)
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
	}
}
