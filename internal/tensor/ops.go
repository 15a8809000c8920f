package tensor

import "fmt"

func requireCPU(ts ...*Tensor) error {
	for _, t := range ts {
		if t.Bytes() == nil && t.storageBytes() > 0 {
			return fmt.Errorf("%w: %s", ErrNotOnCPU, t)
		}
	}
	return nil
}

// CatDirect appends src to dst along axis in place. dst must already have
// enough reserved capacity; an empty dst takes src's shape with a zero-length
// axis first.
func CatDirect(dst, src *Tensor, axis int) error {
	if dst.dtype != src.dtype {
		return fmt.Errorf("%w: cat %v onto %v", ErrDType, src.dtype, dst.dtype)
	}
	if axis < 0 || axis >= len(src.dims) {
		return fmt.Errorf("%w: axis %d for %v", ErrShape, axis, src.dims)
	}
	if err := requireCPU(dst, src); err != nil {
		return err
	}
	if len(dst.dims) == 0 {
		start := cloneInts(src.dims)
		start[axis] = 0
		if err := dst.Resize(start...); err != nil {
			return err
		}
	}
	if len(dst.dims) != len(src.dims) {
		return fmt.Errorf("%w: cat %v onto %v", ErrShape, src.dims, dst.dims)
	}
	for i := range src.dims {
		if i != axis && src.dims[i] != dst.dims[i] {
			return fmt.Errorf("%w: cat %v onto %v along axis %d", ErrShape, src.dims, dst.dims, axis)
		}
	}

	newLen := dst.dims[axis] + src.dims[axis]
	capLen := dst.dims[axis]
	if dst.expansionDims != nil {
		capLen = dst.expansionDims[axis]
	}
	if newLen > capLen {
		return fmt.Errorf("%w: %s needs %d along axis %d, reserved %d (expand first)", ErrCapacity, dst, newLen, axis, capLen)
	}
	if src.Len() > 0 {
		offset := dst.dims[axis] * dst.strides[axis]
		elem := dst.dtype.Size()
		copyStrided(dst.Bytes()[offset*elem:], dst.strides, src.Bytes(), src.strides, src.dims, elem)
	}
	dst.dims[axis] = newLen
	return nil
}

// Split copies the range [start, end) of axis into a new compact tensor.
func Split(src *Tensor, axis, start, end int) (*Tensor, error) {
	if axis < 0 || axis >= len(src.dims) {
		return nil, fmt.Errorf("%w: axis %d for %v", ErrShape, axis, src.dims)
	}
	if start < 0 || end > src.dims[axis] || start > end {
		return nil, fmt.Errorf("%w: [%d,%d) of axis %d in %v", ErrInvalidRange, start, end, axis, src.dims)
	}
	if err := requireCPU(src); err != nil {
		return nil, err
	}
	dims := cloneInts(src.dims)
	dims[axis] = end - start
	out := New(src.dtype, dims...)
	out.Channels = src.Channels
	if out.Len() > 0 {
		elem := src.dtype.Size()
		offset := start * src.strides[axis] * elem
		copyStrided(out.cpuData, out.strides, src.Bytes()[offset:], src.strides, dims, elem)
	}
	return out, nil
}

// Cat concatenates parts along axis into a new compact tensor.
func Cat(parts []*Tensor, axis int) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}
	first := parts[0]
	if axis < 0 || axis >= len(first.dims) {
		return nil, fmt.Errorf("%w: axis %d for %v", ErrShape, axis, first.dims)
	}
	dims := cloneInts(first.dims)
	dims[axis] = 0
	for _, p := range parts {
		if p.dtype != first.dtype {
			return nil, fmt.Errorf("%w: cat %v with %v", ErrDType, p.dtype, first.dtype)
		}
		if len(p.dims) != len(dims) {
			return nil, fmt.Errorf("%w: cat %v with %v", ErrShape, p.dims, first.dims)
		}
		for i := range dims {
			if i != axis && p.dims[i] != dims[i] {
				return nil, fmt.Errorf("%w: cat %v with %v along axis %d", ErrShape, p.dims, first.dims, axis)
			}
		}
		dims[axis] += p.dims[axis]
	}
	if err := requireCPU(parts...); err != nil {
		return nil, err
	}
	out := Empty(first.dtype)
	if err := out.Expansion(dims...); err != nil {
		return nil, err
	}
	for _, p := range parts {
		if err := CatDirect(out, p, axis); err != nil {
			return nil, err
		}
	}
	out.expansionDims = nil
	return out, nil
}

// Permute returns a compact copy of src with its axes reordered so that
// result axis i is src axis perm[i].
func Permute(src *Tensor, perm []int) (*Tensor, error) {
	if len(perm) != len(src.dims) {
		return nil, fmt.Errorf("%w: permutation %v for %v", ErrShape, perm, src.dims)
	}
	seen := make([]bool, len(perm))
	dims := make([]int, len(perm))
	srcStrides := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("%w: invalid permutation %v", ErrShape, perm)
		}
		seen[p] = true
		dims[i] = src.dims[p]
		srcStrides[i] = src.strides[p]
	}
	if err := requireCPU(src); err != nil {
		return nil, err
	}
	out := New(src.dtype, dims...)
	if out.Len() > 0 {
		copyStrided(out.cpuData, out.strides, src.Bytes(), srcStrides, dims, src.dtype.Size())
	}
	return out, nil
}
