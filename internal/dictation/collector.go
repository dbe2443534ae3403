package dictation

import "github.com/loqalabs/loqa-dictation/internal/vad"

// collector accumulates one utterance, trimmed by VAD when a segmenter is
// available.
type collector struct {
	seg *vad.Segmenter
	raw []float32
}

func newCollector(factory SegmenterFactory) *collector {
	if factory == nil {
		return &collector{}
	}
	return &collector{seg: factory()}
}

func (c *collector) Write(samples []float32) error {
	if c.seg == nil {
		c.raw = append(c.raw, samples...)
		return nil
	}
	return c.seg.Write(samples)
}

func (c *collector) Flush() []float32 {
	if c.seg == nil {
		out := c.raw
		c.raw = nil
		return out
	}
	return c.seg.Flush()
}
