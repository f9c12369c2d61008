package assembler

import (
	"slices"

	"github.com/namikmesic/sidekick-assembler/internal/stream"
)

// tracker owns every content block of one message, keyed by index. Blocks may
// be open concurrently; each delta is routed to its own block only.
type tracker struct {
	blocks  map[int]*block
	order   []int // ascending
	pending int
}

func newTracker() *tracker {
	return &tracker{blocks: make(map[int]*block)}
}

func (t *tracker) open(index int, seed stream.BlockSeed) error {
	if _, exists := t.blocks[index]; exists {
		return &DuplicateBlockOpenError{Index: index}
	}
	t.blocks[index] = newBlock(index, seed)
	pos, _ := slices.BinarySearch(t.order, index)
	t.order = slices.Insert(t.order, pos, index)
	t.pending++
	return nil
}

func (t *tracker) delta(index int, d stream.Delta) error {
	b, err := t.lookup(index)
	if err != nil {
		return err
	}
	return b.apply(d)
}

func (t *tracker) close(index int) (ContentBlock, error) {
	b, err := t.lookup(index)
	if err != nil {
		return ContentBlock{}, err
	}
	out, err := b.finish()
	if err != nil {
		return ContentBlock{}, err
	}
	t.pending--
	return out, nil
}

func (t *tracker) lookup(index int) (*block, error) {
	b, ok := t.blocks[index]
	if !ok {
		return nil, &UnknownBlockIndexError{Index: index}
	}
	if b.closed {
		return nil, &UnknownBlockIndexError{Index: index, Closed: true}
	}
	return b, nil
}

// firstOpen returns the lowest index that has not been stopped.
func (t *tracker) firstOpen() (int, bool) {
	if t.pending == 0 {
		return 0, false
	}
	for _, idx := range t.order {
		if !t.blocks[idx].closed {
			return idx, true
		}
	}
	return 0, false
}

// content returns the finished blocks in ascending index order.
func (t *tracker) content() []ContentBlock {
	out := make([]ContentBlock, 0, len(t.order))
	for _, idx := range t.order {
		if b := t.blocks[idx]; b.closed {
			out = append(out, b.final)
		}
	}
	return out
}

func (t *tracker) views() []BlockView {
	out := make([]BlockView, 0, len(t.order))
	for _, idx := range t.order {
		out = append(out, t.blocks[idx].view())
	}
	return out
}
