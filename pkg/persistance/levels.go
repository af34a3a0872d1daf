package persistance

import (
	"maps"
	"slices"
	"sort"
)

// SegmentLevelMultiMap is an immutable catalog of level -> segments, ordered
// within a level by ascending segment number. Updates go through a Builder and
// never touch a published instance.
type SegmentLevelMultiMap struct {
	levels map[int][]*Segment
}

func NewSegmentLevelMultiMap() *SegmentLevelMultiMap {
	return &SegmentLevelMultiMap{levels: make(map[int][]*Segment)}
}

// SegmentLevels returns the non-empty levels in ascending order.
func (m *SegmentLevelMultiMap) SegmentLevels() []int {
	return slices.Sorted(maps.Keys(m.levels))
}

func (m *SegmentLevelMultiMap) SegmentsInLevel(level int) []*Segment {
	return slices.Clone(m.levels[level])
}

func (m *SegmentLevelMultiMap) NumBytesSizeOfSegmentLevel(level int) int64 {
	var total int64
	for _, s := range m.levels[level] {
		total += s.NumBytesSize()
	}
	return total
}

// MaxLevel returns the deepest non-empty level, or -1 when there are none.
func (m *SegmentLevelMultiMap) MaxLevel() int {
	maxLevel := -1
	for level := range m.levels {
		maxLevel = max(maxLevel, level)
	}
	return maxLevel
}

// Segments returns every segment, level by level.
func (m *SegmentLevelMultiMap) Segments() []*Segment {
	var result []*Segment
	for _, level := range m.SegmentLevels() {
		result = append(result, m.levels[level]...)
	}
	return result
}

func (m *SegmentLevelMultiMap) ToBuilder() *Builder {
	levels := make(map[int][]*Segment, len(m.levels))
	for level, segs := range m.levels {
		levels[level] = slices.Clone(segs)
	}
	return &Builder{levels: levels}
}

type Builder struct {
	levels map[int][]*Segment
}

// Add places segment in its own level.
func (b *Builder) Add(segment *Segment) *Builder {
	segs := b.levels[segment.Level()]
	i := sort.Search(len(segs), func(i int) bool { return segs[i].Number() >= segment.Number() })
	if i < len(segs) && segs[i].Number() == segment.Number() {
		segs[i] = segment
	} else {
		segs = slices.Insert(segs, i, segment)
	}
	b.levels[segment.Level()] = segs
	return b
}

func (b *Builder) AddAll(segments ...*Segment) *Builder {
	for _, s := range segments {
		b.Add(s)
	}
	return b
}

func (b *Builder) ClearSegmentLevel(level int) *Builder {
	delete(b.levels, level)
	return b
}

func (b *Builder) Build() *SegmentLevelMultiMap {
	levels := make(map[int][]*Segment, len(b.levels))
	for level, segs := range b.levels {
		if len(segs) > 0 {
			levels[level] = slices.Clone(segs)
		}
	}
	return &SegmentLevelMultiMap{levels: levels}
}
