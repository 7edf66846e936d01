package buffer

import "fmt"

// rewindPoint is a snapshot of the write state.
type rewindPoint struct {
	id       uint32
	chunks   int // Number of resident chunks.
	pos      int
	time     uint64
	records  uint64
	nextSeq  uint64
	indexLen int

	// State of the current chunk.
	hasTime    bool
	firstTime  uint64
	dataOffset int
}

// StoreRewindPoint saves the write state under id, replacing an earlier point with
// the same id. Rewind points are dropped when the buffer is flushed.
func (b *Buffer) StoreRewindPoint(id uint32) error {
	if err := b.checkAppend(); err != nil {
		return err
	}
	c := b.current()
	if c == nil {
		return fmt.Errorf("%w: no chunk to rewind to", ErrInvalidCall)
	}
	p := rewindPoint{
		id:         id,
		chunks:     len(b.chunks),
		pos:        b.pos,
		time:       b.time,
		records:    b.records,
		nextSeq:    b.nextSeq,
		indexLen:   len(b.index),
		hasTime:    c.hasTime,
		firstTime:  c.firstTime,
		dataOffset: c.dataOffset,
	}
	for i := range b.rewind {
		if b.rewind[i].id == id {
			b.rewind[i] = p
			return nil
		}
	}
	b.rewind = append(b.rewind, p)
	return nil
}

// Rewind restores the write state saved under id. Chunks started after the point are
// kept for reuse, and a sticky write error is cleared.
func (b *Buffer) Rewind(id uint32) error {
	if err := b.check(ModeWrite); err != nil {
		return err
	}
	if b.finalized {
		return fmt.Errorf("%w: buffer is finalized", ErrInvalidCall)
	}
	i := b.findRewindPoint(id)
	if i < 0 {
		return fmt.Errorf("%w: no rewind point %d", ErrInvalidCall, id)
	}
	p := b.rewind[i]

	for _, c := range b.chunks[p.chunks:] {
		b.spare = append(b.spare, c.data)
	}
	clear(b.chunks[p.chunks:])
	b.chunks = b.chunks[:p.chunks]
	b.cur = p.chunks - 1

	c := b.current()
	c.hasTime = p.hasTime
	c.firstTime = p.firstTime
	c.dataOffset = p.dataOffset
	c.used = 0
	b.pos = p.pos
	b.time = p.time
	b.records = p.records
	b.nextSeq = p.nextSeq
	b.index = b.index[:p.indexLen]
	b.phActive = false
	b.err = nil
	return nil
}

// ClearRewindPoint removes the rewind point with the given id.
func (b *Buffer) ClearRewindPoint(id uint32) error {
	if err := b.check(ModeWrite); err != nil {
		return err
	}
	i := b.findRewindPoint(id)
	if i < 0 {
		b.logger.Warn("Rewind point not found", "id", id)
		return nil
	}
	b.rewind = append(b.rewind[:i], b.rewind[i+1:]...)
	return nil
}

func (b *Buffer) findRewindPoint(id uint32) int {
	for i := range b.rewind {
		if b.rewind[i].id == id {
			return i
		}
	}
	return -1
}
