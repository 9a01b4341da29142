// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"github.com/gomlx/exceptions"

	"github.com/substrata-ml/substrata/shapes"
)

// ReprojectToProduct rewrites desc's layout into the canonical product
// tensor axis space: one axis per unique label, sized per
// ProductDimensions.
//
// Axes the operand does not use keep stride 0, so they broadcast; likewise
// axes where the operand's extent is 1 against a larger shared extent. With
// isReduced set (used for the output tensor) the missing axes keep size 1
// instead of the product extent -- the keep-dims form the reduction
// primitive expects. Each operand axis scatters its size into its label's
// canonical axis and ADDS its stride there: when an operand repeats a label
// ("ii->i"), both strides land on one canonical axis and their sum walks
// the operand's diagonal.
//
// The result is widened to rank 1, right-aligned, if the product is a
// scalar.
func (e *Expression) ReprojectToProduct(desc *shapes.Desc, component Component, isReduced bool) {
	labels := component.Labels(e.LabelIndices)
	desc.EnsureStrides()
	if len(labels) > desc.Rank() {
		exceptions.Panicf("einsum: component %q has %d labels but descriptor %s has rank %d",
			string(component), len(labels), desc, desc.Rank())
	}

	newRank := e.UniqueLabelCount
	newSizes := make([]int, newRank)
	newStrides := make([]int, newRank) // Zeros: broadcast any missing axis.
	if isReduced {
		for i := range newSizes {
			newSizes[i] = 1
		}
	} else {
		copy(newSizes, e.ProductDimensions)
	}
	for i, productAxis := range labels {
		if productAxis >= newRank {
			continue
		}
		if !isReduced && desc.Dimensions[i] == 1 && e.ProductDimensions[productAxis] > 1 {
			// A size-1 extent on a shared label broadcasts against the
			// larger operand: keep the product extent and stride 0, so the
			// single element repeats along the axis.
			continue
		}
		newSizes[productAxis] = desc.Dimensions[i]
		newStrides[productAxis] += desc.Strides[i]
	}
	desc.SetDimensionsAndStrides(newSizes, newStrides)
	desc.WidenToRank(1, shapes.RightAligned)
}

// ReprojectToAxes reprojects desc to the product tensor and then permutes it
// into the explicit canonical-axis order newAxes, left-aligned: the result
// has exactly len(newAxes) axes. Entries beyond the product rank become
// size-1 broadcast axes -- how a GEMM acquires batch or channel axes the
// equation never mentioned.
func (e *Expression) ReprojectToAxes(desc *shapes.Desc, component Component, newAxes []int) {
	e.ReprojectToProduct(desc, component, false)
	desc.Permute(newAxes)
}
