package engine

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-forge/internal/device"
	"github.com/23skdu/longbow-forge/internal/tensor"
)

// ModelConfig describes a decoder-only transformer with pre-norm attention
// and a SwiGLU feed-forward block.
type ModelConfig struct {
	Vocab  int  `json:"vocab" yaml:"vocab"`
	Hidden int  `json:"hidden" yaml:"hidden"`
	Heads  int  `json:"heads" yaml:"heads"`
	Layers int  `json:"layers" yaml:"layers"`
	FFN    int  `json:"ffn" yaml:"ffn"`
	Int8   bool `json:"int8" yaml:"int8"`
}

func (c ModelConfig) Validate() error {
	if c.Vocab <= 0 || c.Hidden <= 0 || c.Heads <= 0 || c.Layers <= 0 || c.FFN <= 0 {
		return fmt.Errorf("invalid model config %+v: every size must be positive", c)
	}
	if c.Hidden%c.Heads != 0 {
		return fmt.Errorf("invalid model config: hidden %d not divisible by heads %d", c.Hidden, c.Heads)
	}
	return nil
}

type Layer struct {
	AttnNorm  *tensor.Tensor
	Attention AttentionBlock
	FFNNorm   *tensor.Tensor
	WGateUp   *tensor.Tensor
	WDown     *tensor.Tensor
}

// Model holds already-materialized weights. Wiring a specific architecture
// to its weight names is left to the caller.
type Model struct {
	Config    ModelConfig
	Embedding *tensor.Tensor
	Layers    []Layer
	FinalNorm *tensor.Tensor
	LMHead    *tensor.Tensor

	// Tracer, when enabled, records per-layer activation statistics.
	Tracer *ActivationLogger
}

// WeightNames lists the tensors a model of cfg needs, in load order.
func WeightNames(cfg ModelConfig) []string {
	names := []string{"embedding"}
	for l := 0; l < cfg.Layers; l++ {
		for _, w := range []string{"attn_norm", "wq", "wk", "wv", "wo", "ffn_norm", "w_gate_up", "w_down"} {
			names = append(names, fmt.Sprintf("layers.%d.%s", l, w))
		}
	}
	return append(names, "final_norm", "lm_head")
}

// Weights maps every weight name to its tensor.
func (m *Model) Weights() map[string]*tensor.Tensor {
	out := map[string]*tensor.Tensor{
		"embedding":  m.Embedding,
		"final_norm": m.FinalNorm,
		"lm_head":    m.LMHead,
	}
	for l, layer := range m.Layers {
		p := fmt.Sprintf("layers.%d.", l)
		out[p+"attn_norm"] = layer.AttnNorm
		out[p+"wq"] = layer.Attention.WQ
		out[p+"wk"] = layer.Attention.WK
		out[p+"wv"] = layer.Attention.WV
		out[p+"wo"] = layer.Attention.WO
		out[p+"ffn_norm"] = layer.FFNNorm
		out[p+"w_gate_up"] = layer.WGateUp
		out[p+"w_down"] = layer.WDown
	}
	return out
}

// NewModel assembles a model from named weights and checks their shapes.
func NewModel(cfg ModelConfig, weights map[string]*tensor.Tensor) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	get := func(name string, dims ...int) (*tensor.Tensor, error) {
		t, ok := weights[name]
		if !ok || t == nil {
			return nil, fmt.Errorf("missing weight %q", name)
		}
		got := t.Dims()
		if len(got) != len(dims) {
			return nil, fmt.Errorf("%w: weight %q is %v, want %v", device.ErrShapeMismatch, name, got, dims)
		}
		for i := range dims {
			if got[i] != dims[i] {
				return nil, fmt.Errorf("%w: weight %q is %v, want %v", device.ErrShapeMismatch, name, got, dims)
			}
		}
		t.Name = name
		return t, nil
	}

	h, headDim := cfg.Hidden, cfg.Hidden/cfg.Heads
	m := &Model{Config: cfg, Layers: make([]Layer, cfg.Layers)}
	var err error
	if m.Embedding, err = get("embedding", cfg.Vocab, h); err != nil {
		return nil, err
	}
	for l := range m.Layers {
		p := fmt.Sprintf("layers.%d.", l)
		layer := &m.Layers[l]
		layer.Attention = AttentionBlock{Heads: cfg.Heads, HeadDim: headDim}
		for _, w := range []struct {
			dst  **tensor.Tensor
			name string
			dims []int
		}{
			{&layer.AttnNorm, "attn_norm", []int{h}},
			{&layer.Attention.WQ, "wq", []int{h, h}},
			{&layer.Attention.WK, "wk", []int{h, h}},
			{&layer.Attention.WV, "wv", []int{h, h}},
			{&layer.Attention.WO, "wo", []int{h, h}},
			{&layer.FFNNorm, "ffn_norm", []int{h}},
			{&layer.WGateUp, "w_gate_up", []int{2 * cfg.FFN, h}},
			{&layer.WDown, "w_down", []int{h, cfg.FFN}},
		} {
			if *w.dst, err = get(p+w.name, w.dims...); err != nil {
				return nil, err
			}
		}
	}
	if m.FinalNorm, err = get("final_norm", h); err != nil {
		return nil, err
	}
	if m.LMHead, err = get("lm_head", cfg.Vocab, h); err != nil {
		return nil, err
	}
	return m, nil
}

// RandomWeights fills every weight of cfg from seed and names each tensor
// after its key. Projection weights are int8 when cfg.Int8 is set.
func RandomWeights(cfg ModelConfig, seed int64) map[string]*tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	fill := func(n int, scale float32) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = (rng.Float32()*2 - 1) * scale
		}
		return v
	}
	ones := func(n int) *tensor.Tensor {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return tensor.FromFloat32(v, n)
	}
	proj := func(rows, cols int) *tensor.Tensor {
		data := fill(rows*cols, 1/float32(cols))
		if cfg.Int8 {
			return tensor.QuantizeFloat32(data, rows, cols)
		}
		return tensor.FromFloat32(data, rows, cols)
	}

	h := cfg.Hidden
	out := map[string]*tensor.Tensor{
		"embedding":  tensor.FromFloat32(fill(cfg.Vocab*h, 1), cfg.Vocab, h),
		"final_norm": ones(h),
		"lm_head":    proj(cfg.Vocab, h),
	}
	for l := 0; l < cfg.Layers; l++ {
		p := fmt.Sprintf("layers.%d.", l)
		out[p+"attn_norm"] = ones(h)
		out[p+"wq"] = proj(h, h)
		out[p+"wk"] = proj(h, h)
		out[p+"wv"] = proj(h, h)
		out[p+"wo"] = proj(h, h)
		out[p+"ffn_norm"] = ones(h)
		out[p+"w_gate_up"] = proj(2*cfg.FFN, h)
		out[p+"w_down"] = proj(h, cfg.FFN)
	}
	for name, t := range out {
		t.Name = name
	}
	return out
}

// Step is the next tokens of one sequence.
type Step struct {
	Seq    int
	Tokens []int
}

// Forward runs one step for the given sequences and returns the logits of
// the last token of each, in step order.
func (m *Model) Forward(r Runner, s *Session, steps []Step) ([][]float32, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	seqs := make([]int, len(steps))
	lengths := make([]int, len(steps))
	var ids []int
	for i, st := range steps {
		if len(st.Tokens) == 0 {
			return nil, fmt.Errorf("%w: sequence %d has no tokens", ErrSequenceSpan, st.Seq)
		}
		seqs[i], lengths[i] = st.Seq, len(st.Tokens)
		ids = append(ids, st.Tokens...)
	}

	x, err := m.embed(ids)
	if err != nil {
		return nil, err
	}
	m.Tracer.beginStep(ids)
	for l := range m.Layers {
		if x, err = m.layer(r, l, x, s.LayerCaches(seqs, l), lengths); err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
	}

	// Keep only the last row of each sequence.
	last := make([]*tensor.Tensor, len(steps))
	end := 0
	for i, n := range lengths {
		end += n
		if last[i], err = split(r, x, 0, end-1, end); err != nil {
			return nil, err
		}
	}
	ints := device.IntDict{device.Axis: 0}
	tail := tensor.Empty(tensor.Float32)
	if err := r.Run(device.OpCat, device.Datas{}.SetBatch(ints, device.Input, last).Set(device.Output, tail), nil, ints); err != nil {
		return nil, err
	}
	normed, err := rmsNorm(r, tail, m.FinalNorm)
	if err != nil {
		return nil, err
	}
	logits := tensor.Empty(tensor.Float32)
	logits.Name = "logits"
	datas := device.Datas{}.Set(device.Input, normed).Set(device.Weight, m.LMHead).Set(device.Output, logits)
	if err := r.Run(device.OpLinear, datas, nil, nil); err != nil {
		return nil, fmt.Errorf("lm head: %w", err)
	}
	if err := logits.ToCPU(); err != nil {
		return nil, err
	}
	flat, err := logits.Float32Values()
	if err != nil {
		return nil, err
	}
	vocab := m.Config.Vocab
	out := make([][]float32, len(steps))
	for i := range out {
		out[i] = flat[i*vocab : (i+1)*vocab]
	}
	m.Tracer.logLogits(out)
	return out, nil
}

// embed gathers embedding rows on the host.
func (m *Model) embed(ids []int) (*tensor.Tensor, error) {
	if err := m.Embedding.ToCPU(); err != nil {
		return nil, err
	}
	table, err := m.Embedding.Float32Values()
	if err != nil {
		return nil, err
	}
	h := m.Config.Hidden
	data := make([]float32, len(ids)*h)
	for i, id := range ids {
		if id < 0 || id >= m.Config.Vocab {
			return nil, fmt.Errorf("token %d outside vocabulary of %d", id, m.Config.Vocab)
		}
		copy(data[i*h:(i+1)*h], table[id*h:(id+1)*h])
	}
	x := tensor.FromFloat32(data, len(ids), h)
	x.Name = "hidden"
	return x, nil
}

func (m *Model) layer(r Runner, l int, x *tensor.Tensor, caches []*KVCache, lengths []int) (*tensor.Tensor, error) {
	layer := &m.Layers[l]
	h, err := rmsNorm(r, x, layer.AttnNorm)
	if err != nil {
		return nil, err
	}
	attn, err := layer.Attention.Forward(r, h, caches, lengths)
	if err != nil {
		return nil, err
	}
	if err := addTo(r, x, attn); err != nil {
		return nil, err
	}

	h, err = rmsNorm(r, x, layer.FFNNorm)
	if err != nil {
		return nil, err
	}
	gateUp := tensor.Empty(tensor.Float32)
	datas := device.Datas{}.Set(device.Input, h).Set(device.Weight, layer.WGateUp).Set(device.Output, gateUp)
	if err := r.Run(device.OpLinear, datas, nil, nil); err != nil {
		return nil, fmt.Errorf("gate/up: %w", err)
	}
	act := tensor.Empty(tensor.Float32)
	if err := r.Run(device.OpSwiglu, device.Datas{}.Set(device.Input, gateUp).Set(device.Output, act), nil, nil); err != nil {
		return nil, err
	}
	down := tensor.Empty(tensor.Float32)
	datas = device.Datas{}.Set(device.Input, act).Set(device.Weight, layer.WDown).Set(device.Output, down)
	if err := r.Run(device.OpLinear, datas, nil, nil); err != nil {
		return nil, fmt.Errorf("down: %w", err)
	}
	if err := addTo(r, x, down); err != nil {
		return nil, err
	}
	m.Tracer.logLayer(l, attn, down)
	return x, nil
}

func rmsNorm(r Runner, x, weight *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.Empty(tensor.Float32)
	datas := device.Datas{}.Set(device.Input, x).Set(device.Weight, weight).Set(device.Output, out)
	if err := r.Run(device.OpRMSNorm, datas, device.FloatDict{"eps": 1e-5}, nil); err != nil {
		return nil, fmt.Errorf("rms norm: %w", err)
	}
	return out, nil
}

func addTo(r Runner, dst, src *tensor.Tensor) error {
	return r.Run(device.OpAddTo, device.Datas{}.Set(device.Input0, dst).Set(device.Input1, src), nil, nil)
}
