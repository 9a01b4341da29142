// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"slices"
	"strconv"
)

// RecognizedOperatorType is the hardware-primitive category an equation has
// been classified into. None means the contraction is not expressible on the
// primitive catalog and the caller must use a fallback execution path --
// None is a normal outcome, not an error.
type RecognizedOperatorType int

const (
	None RecognizedOperatorType = iota
	Identity
	Transpose
	Multiply
	ReduceSum
	MatMul
	MatMulTransposeA
	MatMulTransposeB
	MatMulNhcw
	MatMulNhcwTransposeA
	MatMulNhcwTransposeB
	MatMulGeneral
)

var recognizedOperatorTypeNames = map[RecognizedOperatorType]string{
	None:                 "None",
	Identity:             "Identity",
	Transpose:            "Transpose",
	Multiply:             "Multiply",
	ReduceSum:            "ReduceSum",
	MatMul:               "MatMul",
	MatMulTransposeA:     "MatMulTransposeA",
	MatMulTransposeB:     "MatMulTransposeB",
	MatMulNhcw:           "MatMulNhcw",
	MatMulNhcwTransposeA: "MatMulNhcwTransposeA",
	MatMulNhcwTransposeB: "MatMulNhcwTransposeB",
	MatMulGeneral:        "MatMulGeneral",
}

// String implements fmt.Stringer.
func (t RecognizedOperatorType) String() string {
	if name, ok := recognizedOperatorTypeNames[t]; ok {
		return name
	}
	return "RecognizedOperatorType(" + strconv.Itoa(int(t)) + ")"
}

// IsMatMul reports whether t is any of the GEMM-lowered categories.
func (t RecognizedOperatorType) IsMatMul() bool {
	return t >= MatMul && t <= MatMulGeneral
}

// matMulRankLimit is the GEMM rank of the accelerator: batch, channel,
// height, width. The internal product tensor may carry one extra axis, the
// contracted one.
const matMulRankLimit = 4

// labelPattern is one recognized equation form: the canonical label ids of
// each component, in first-appearance numbering. Components produced by
// Parse use the same numbering, so recognition is plain equality.
type labelPattern struct {
	opType     RecognizedOperatorType
	components [][]int
}

// matMulPatterns are the named GEMM forms the accelerator distinguishes,
// including batched and NHCW-interleaved layouts.
var matMulPatterns = []labelPattern{
	{MatMul, [][]int{{0, 1}, {1, 2}, {0, 2}}},                            // ij,jk->ik
	{MatMul, [][]int{{0, 1, 2}, {0, 2, 3}, {0, 1, 3}}},                   // bij,bjk->bik
	{MatMulTransposeA, [][]int{{0, 1}, {0, 2}, {1, 2}}},                  // ji,jk->ik
	{MatMulTransposeA, [][]int{{0, 1, 2}, {0, 1, 3}, {0, 2, 3}}},         // bji,bjk->bik
	{MatMulTransposeB, [][]int{{0}, {0}, {}}},                            // i,i-> (dot product)
	{MatMulTransposeB, [][]int{{0, 1}, {2, 1}, {0, 2}}},                  // ij,kj->ik
	{MatMulTransposeB, [][]int{{0, 1, 2}, {0, 3, 2}, {0, 1, 3}}},         // bij,bkj->bik
	{MatMulNhcw, [][]int{{0, 1, 2, 3}, {0, 3, 2, 4}, {0, 1, 2, 4}}},      // aibj,ajbk->aibk
	{MatMulNhcwTransposeA, [][]int{{0, 1, 2, 3}, {0, 1, 2, 4}, {0, 3, 2, 4}}}, // ajbi,ajbk->aibk
	{MatMulNhcwTransposeB, [][]int{{0, 1, 2, 3}, {0, 4, 2, 3}, {0, 1, 2, 4}}}, // aibj,akbj->aibk
}

// recognize classifies the parsed components into a RecognizedOperatorType.
//
// Single-input equations lower to Identity (same axis order), Transpose
// (axis reorder, including diagonal extraction of repeated labels) or
// ReduceSum (labels missing from the output). Two-input equations match the
// named GEMM pattern table first, then elementwise Multiply when every
// unique label survives into the output, then the general GEMM rule: exactly
// one contracted label, shared by both inputs, within the accelerator's rank
// limit. Everything else is None.
func recognize(components []Component, indices map[rune]int, uniqueLabels int) RecognizedOperatorType {
	labels := make([][]int, len(components))
	for i, c := range components {
		labels[i] = c.Labels(indices)
	}
	output := labels[len(labels)-1]

	covered := make([]bool, uniqueLabels)
	for _, axis := range output {
		covered[axis] = true
	}
	outputCoversAll := true
	for _, c := range covered {
		outputCoversAll = outputCoversAll && c
	}

	switch len(components) {
	case 2:
		input := labels[0]
		if slices.Equal(input, output) {
			return Identity
		}
		if outputCoversAll {
			return Transpose
		}
		return ReduceSum

	case 3:
		for _, pattern := range matMulPatterns {
			if len(pattern.components) == len(labels) &&
				slices.Equal(pattern.components[0], labels[0]) &&
				slices.Equal(pattern.components[1], labels[1]) &&
				slices.Equal(pattern.components[2], labels[2]) {
				return pattern.opType
			}
		}
		if outputCoversAll {
			return Multiply
		}
		// General GEMM: a single contracted axis, present in both inputs.
		if uniqueLabels > matMulRankLimit {
			return None
		}
		var contracted []int
		for axis, c := range covered {
			if !c {
				contracted = append(contracted, axis)
			}
		}
		if len(contracted) != 1 {
			return None
		}
		if !slices.Contains(labels[0], contracted[0]) || !slices.Contains(labels[1], contracted[0]) {
			return None
		}
		return MatMulGeneral
	}
	return None
}
