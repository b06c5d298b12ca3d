package intent

import (
	"context"
	"errors"
	"strings"
)

// axisEmbedder is a deterministic test embedder: each keyword owns one
// axis, and a text's vector counts keyword occurrences. Texts about the
// same keyword are identical in direction; unrelated texts are
// orthogonal.
type axisEmbedder struct {
	axes []string
	fail bool
}

func newAxisEmbedder(axes ...string) *axisEmbedder {
	return &axisEmbedder{axes: axes}
}

func (e *axisEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedder down")
	}
	v := make([]float32, len(e.axes)+1)
	for _, w := range strings.Fields(text) {
		for i, axis := range e.axes {
			if w == axis {
				v[i]++
			}
		}
	}
	var sum float32
	for _, x := range v {
		sum += x
	}
	if sum == 0 {
		// Unknown text lands on its own axis, orthogonal to everything.
		v[len(v)-1] = 1
	}
	return v, nil
}

func (e *axisEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *axisEmbedder) Dimension() int { return len(e.axes) + 1 }

// testTaxonomy is a tiny two-label taxonomy with cleanly separable
// examples along the alpha and beta axes.
func testTaxonomy() *Taxonomy {
	t := NewTaxonomy()
	_ = t.Register(&Intent{
		Label:       "alpha",
		Description: "Queries about alpha",
		Examples:    []string{"alpha one", "alpha two", "alpha three"},
	})
	_ = t.Register(&Intent{
		Label:       "beta",
		Description: "Queries about beta",
		Examples:    []string{"beta one", "beta two", "beta three"},
	})
	_ = t.Register(&Intent{
		Label:       FallbackIntent,
		Description: "Everything else",
		Examples:    []string{"help", "thank you"},
	})
	return t
}

// scriptedLLM returns canned responses in order, then repeats the last.
type scriptedLLM struct {
	responses []string
	calls     int
	err       error
}

func (p *scriptedLLM) Name() string { return "scripted" }

func (p *scriptedLLM) Complete(_ context.Context, _, _ string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	i := p.calls - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}
