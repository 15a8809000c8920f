package tensorflight

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-forge/internal/tensor"
)

func startServer(t *testing.T, ts ...*tensor.Tensor) (*Server, *Client) {
	t.Helper()
	srv := NewServer(memory.NewGoAllocator())
	require.NoError(t, srv.Add(ts...))
	require.NoError(t, srv.Start("localhost:0"))
	t.Cleanup(srv.Stop)

	c, err := Dial(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return srv, c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFetch(t *testing.T) {
	w := named(tensor.QuantizeFloat32(sample(24), 4, 6), "layers.0.wq")
	_, c := startServer(t, w)
	ctx := testContext(t)

	got, err := c.Fetch(ctx, "layers.0.wq")
	require.NoError(t, err)
	assert.Equal(t, "layers.0.wq", got.Name)
	assert.Equal(t, tensor.Int8, got.DataType())
	assert.Equal(t, []int{4, 6}, got.Dims())
	assert.Equal(t, w.Bytes(), got.Bytes())
	assert.Equal(t, w.Channels, got.Channels)

	_, err = c.Fetch(ctx, "layers.9.wq")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchWeights(t *testing.T) {
	var ts []*tensor.Tensor
	var names []string
	for _, name := range []string{"embedding", "final_norm", "lm_head", "layers.0.wk", "layers.0.wv"} {
		ts = append(ts, named(tensor.FromFloat32(sample(8), 2, 4), name))
		names = append(names, name)
	}
	_, c := startServer(t, ts...)
	ctx := testContext(t)

	got, err := c.FetchWeights(ctx, names, 2)
	require.NoError(t, err)
	require.Len(t, got, len(names))
	for _, name := range names {
		require.Contains(t, got, name)
		assert.Equal(t, sample(8), got[name].Float32s())
	}

	_, err = c.FetchWeights(ctx, append(names, "missing"), 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutAndList(t *testing.T) {
	srv, c := startServer(t, named(tensor.FromFloat32(sample(4), 4), "embedding"))
	ctx := testContext(t)

	acts := []*tensor.Tensor{
		named(tensor.FromFloat32(sample(6), 2, 3), "layer0"),
		named(tensor.FromFloat32(sample(6), 3, 2), "layer1"),
	}
	require.NoError(t, c.Put(ctx, "activations/step0", acts...))

	stored, ok := srv.Get("activations/step0/layer1")
	require.True(t, ok)
	assert.Equal(t, []int{3, 2}, stored.Dims())

	names, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"activations/step0/layer0", "activations/step0/layer1", "embedding"}, names)

	back, err := c.Fetch(ctx, "activations/step0/layer0")
	require.NoError(t, err)
	assert.Equal(t, sample(6), back.Float32s())

	require.NoError(t, c.Put(ctx, "", named(tensor.FromFloat32([]float32{1}, 1), "plain")))
	_, ok = srv.Get("plain")
	assert.True(t, ok)
}

func TestServerAddCopies(t *testing.T) {
	srv := NewServer(nil)
	src := named(tensor.FromFloat32([]float32{1, 2}, 2), "w")
	require.NoError(t, srv.Add(src))
	src.Float32s()[0] = 9

	got, ok := srv.Get("w")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, got.Float32s())
	assert.NotSame(t, src, got)

	assert.Error(t, srv.Add(tensor.FromFloat32([]float32{1}, 1)))
	assert.Equal(t, []string{"w"}, srv.Names())
	assert.Nil(t, srv.Addr())
}
