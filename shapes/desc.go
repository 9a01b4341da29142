// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
)

// Alignment selects which side of a descriptor keeps the existing axes when
// the rank changes.
type Alignment int

const (
	// RightAligned keeps the existing axes as the trailing (fastest varying)
	// ones; padding axes are inserted in front.
	RightAligned Alignment = iota

	// LeftAligned keeps the existing axes as the leading ones; padding axes
	// are appended.
	LeftAligned
)

// Desc is a Shape plus element strides: the full layout description of a
// tensor over some underlying buffer.
//
// Strides may be nil, meaning "packed row-major, not yet materialized"; call
// EnsureStrides before reading them. A zero stride broadcasts the axis: every
// coordinate along it maps to the same elements.
type Desc struct {
	Shape
	Strides []int
}

// MakeDesc returns a Desc over the given shape with unmaterialized (packed)
// strides.
func MakeDesc(shape Shape) Desc {
	return Desc{Shape: shape.Clone()}
}

// PackedStrides returns the row-major strides for the given dimensions:
// stride[i] is the product of all dimensions after i.
func PackedStrides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	if len(dimensions) == 0 {
		return strides
	}
	strides[len(dimensions)-1] = 1
	for i := len(dimensions) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * dimensions[i+1]
	}
	return strides
}

// HasStrides returns whether strides have been materialized.
func (d *Desc) HasStrides() bool { return d.Strides != nil }

// EnsureStrides materializes packed row-major strides if none are set yet.
func (d *Desc) EnsureStrides() {
	if d.Strides == nil {
		d.Strides = PackedStrides(d.Dimensions)
	}
}

// SetDimensionsAndStrides replaces the layout of the descriptor. Both slices
// must have the same length.
func (d *Desc) SetDimensionsAndStrides(dimensions, strides []int) {
	if len(dimensions) != len(strides) {
		exceptions.Panicf("Desc.SetDimensionsAndStrides: %d dimensions but %d strides", len(dimensions), len(strides))
	}
	d.Dimensions = slices.Clone(dimensions)
	d.Strides = slices.Clone(strides)
}

// WidenToRank pads the descriptor with size-1, stride-0 axes until it has at
// least minRank axes. RightAligned inserts the padding axes in front,
// LeftAligned appends them. A no-op when the rank is already sufficient.
func (d *Desc) WidenToRank(minRank int, align Alignment) {
	if d.Rank() >= minRank {
		return
	}
	d.EnsureStrides()
	pad := minRank - d.Rank()
	dimensions := make([]int, 0, minRank)
	strides := make([]int, 0, minRank)
	if align == RightAligned {
		for range pad {
			dimensions = append(dimensions, 1)
			strides = append(strides, 0)
		}
	}
	dimensions = append(dimensions, d.Dimensions...)
	strides = append(strides, d.Strides...)
	if align == LeftAligned {
		for range pad {
			dimensions = append(dimensions, 1)
			strides = append(strides, 0)
		}
	}
	d.Dimensions = dimensions
	d.Strides = strides
}

// Permute rearranges the descriptor to the given axis order, left-aligned:
// the result has exactly len(newAxes) axes, and axis i of the result is axis
// newAxes[i] of the current descriptor. An entry at or beyond the current
// rank materializes as a size-1, stride-0 broadcast axis -- this is how the
// GEMM lowering introduces batch or channel axes the equation never named.
//
// It panics on negative axis entries.
func (d *Desc) Permute(newAxes []int) {
	d.EnsureStrides()
	dimensions := make([]int, len(newAxes))
	strides := make([]int, len(newAxes))
	for i, axis := range newAxes {
		if axis < 0 {
			exceptions.Panicf("Desc.Permute: negative axis %d in %v", axis, newAxes)
		}
		if axis < d.Rank() {
			dimensions[i] = d.Dimensions[axis]
			strides[i] = d.Strides[axis]
		} else {
			dimensions[i] = 1
			strides[i] = 0
		}
	}
	d.Dimensions = dimensions
	d.Strides = strides
}

// Clone returns a deep copy of the descriptor.
func (d Desc) Clone() Desc {
	return Desc{Shape: d.Shape.Clone(), Strides: slices.Clone(d.Strides)}
}

// String implements fmt.Stringer.
func (d Desc) String() string {
	if d.Strides == nil {
		return d.Shape.String()
	}
	return fmt.Sprintf("%s/strides%v", d.Shape, d.Strides)
}
