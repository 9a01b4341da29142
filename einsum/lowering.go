// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"math/bits"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/substrata-ml/substrata/primitives"
	"github.com/substrata-ml/substrata/shapes"
)

// Operator is the construction-time lowering of one classified contraction:
// it reprojects the operand layouts and emits the matching primitive
// descriptor, or abstains when the expression's type is None.
type Operator struct {
	expr   *Expression
	inputs []shapes.Desc
	output shapes.Desc
	prim   primitives.Op
}

// minimumRank every descriptor is widened to before lowering, so scalars
// survive the accelerator's rank-1 floor.
const minimumRank = 1

// NewOperator lowers the expression over the given operand layouts.
//
// Arity is validated eagerly: at least one input, and the expression's
// component count must be exactly len(inputs)+1 (the output). An expression
// classified as None is not an error -- the returned Operator simply carries
// no primitive (Abstained reports true) and the caller must take its
// fallback path.
func NewOperator(expr *Expression, inputs []shapes.Desc, output shapes.Desc) (*Operator, error) {
	if len(inputs) < 1 {
		return nil, errors.New("einsum expects at least one input tensor")
	}
	if len(expr.Components) != len(inputs)+1 {
		return nil, errors.Errorf("einsum %q has %d components, inconsistent with %d input tensors",
			expr.Equation, len(expr.Components), len(inputs))
	}

	op := &Operator{expr: expr, inputs: make([]shapes.Desc, len(inputs)), output: output.Clone()}
	for i, in := range inputs {
		op.inputs[i] = in.Clone()
	}
	for i := range op.inputs {
		op.inputs[i].WidenToRank(minimumRank, shapes.RightAligned)
	}
	op.output.WidenToRank(minimumRank, shapes.RightAligned)

	var err error
	switch {
	case expr.Type == Multiply:
		err = op.lowerMultiply()
	case expr.Type.IsMatMul():
		err = op.lowerMatMul()
	case expr.Type == ReduceSum:
		err = op.lowerReduceSum()
	case expr.Type == Transpose, expr.Type == Identity:
		err = op.lowerIdentity()
	case expr.Type == None:
		// Not expressible on the primitive catalog: abstain, the caller
		// falls back to a generic execution path.
	default:
		err = errors.Errorf("unhandled recognized operator type %s", expr.Type)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering einsum %q (%s)", expr.Equation, expr.Type)
	}
	if op.prim != nil {
		klog.V(1).Infof("einsum: lowered %q to %s, product tensor of %s elements",
			expr.Equation, op.prim.OpName(), humanize.Comma(int64(productSize(expr.ProductDimensions))))
	}
	return op, nil
}

// Primitive returns the emitted descriptor, or nil if the lowering
// abstained.
func (op *Operator) Primitive() primitives.Op { return op.prim }

// Abstained reports whether no descriptor was emitted.
func (op *Operator) Abstained() bool { return op.prim == nil }

// InputDescs returns the reprojected input layouts.
func (op *Operator) InputDescs() []shapes.Desc { return op.inputs }

// OutputDesc returns the reprojected output layout.
func (op *Operator) OutputDesc() shapes.Desc { return op.output }

// reprojectAllToProduct maps every input (broadcast form) and the output
// (keep-dims reduced form) into the canonical product tensor axes.
func (op *Operator) reprojectAllToProduct() {
	for i := range op.inputs {
		op.expr.ReprojectToProduct(&op.inputs[i], op.expr.Components[i], false)
	}
	op.expr.ReprojectToProduct(&op.output, op.expr.Output(), true)
}

func (op *Operator) lowerMultiply() error {
	if len(op.inputs) != 2 {
		return errors.Errorf("elementwise multiply requires exactly 2 inputs, got %d", len(op.inputs))
	}
	op.reprojectAllToProduct()
	op.prim = primitives.ElementWiseMultiply{A: op.inputs[0], B: op.inputs[1], Output: op.output}
	return nil
}

func (op *Operator) lowerReduceSum() error {
	op.reprojectAllToProduct()
	// The reduced axes are exactly the size-1 axes of the reprojected
	// output. Some may have been size 1 in the input already; reducing
	// those too is a harmless no-op.
	var reducedAxes []int
	for axis, dim := range op.output.Dimensions {
		if dim == 1 {
			reducedAxes = append(reducedAxes, axis)
		}
	}
	op.prim = primitives.ReduceSum{Input: op.inputs[0], Output: op.output, Axes: reducedAxes}
	return nil
}

func (op *Operator) lowerIdentity() error {
	if op.expr.Type == Transpose {
		// Axis reordering (or diagonal addressing) folds into the strides;
		// a plain identity needs none of it.
		op.reprojectAllToProduct()
	} else {
		op.inputs[0].EnsureStrides()
		op.output.EnsureStrides()
	}
	op.prim = primitives.Identity{Input: op.inputs[0], Output: op.output}
	return nil
}

func (op *Operator) lowerMatMul() error {
	if len(op.expr.Components) != 3 {
		return errors.Errorf("matmul lowering requires 2 inputs and 1 output, got %d components", len(op.expr.Components))
	}
	// The GEMM consumes one product axis (the contracted one) and emits at
	// most a [batch, channel, height, width] output.
	if op.expr.UniqueLabelCount-1 > matMulRankLimit {
		return errors.Errorf("contraction spans %d unique labels, beyond the %dD GEMM limit",
			op.expr.UniqueLabelCount, matMulRankLimit)
	}

	input0Labels := op.expr.Components[0].Labels(op.expr.LabelIndices)
	input1Labels := op.expr.Components[1].Labels(op.expr.LabelIndices)
	outputLabels := op.expr.Output().Labels(op.expr.LabelIndices)

	// Derive each axis role by set difference, in a fixed order -- each
	// assignment removes its axis from the pool before the next rule runs:
	//   reduction: present somewhere, absent from the output;
	//   height:    unique to input 0;   width: unique to input 1;
	//   batch, channel: the two lowest axes still unassigned.
	remaining := ^uint32(0)
	reductionAxis := findAndClearAxis(&remaining, bitMaskOf(outputLabels))
	heightAxis := findAndClearAxis(&remaining, bitMaskOf(input1Labels))
	widthAxis := findAndClearAxis(&remaining, bitMaskOf(input0Labels))
	batchAxis := findAndClearAxis(&remaining, 0)
	channelAxis := findAndClearAxis(&remaining, 0)

	// The accelerator accepts the contracted axis only as the rightmost
	// axis of a transposed B operand, hence TransB below and the reduction
	// axis placed last on both inputs.
	op.expr.ReprojectToAxes(&op.inputs[0], op.expr.Components[0], []int{batchAxis, channelAxis, heightAxis, reductionAxis})
	op.expr.ReprojectToAxes(&op.inputs[1], op.expr.Components[1], []int{batchAxis, channelAxis, widthAxis, reductionAxis})
	op.expr.ReprojectToAxes(&op.output, op.expr.Output(), []int{batchAxis, channelAxis, heightAxis, widthAxis})

	op.prim = primitives.Gemm{
		A:      op.inputs[0],
		B:      op.inputs[1],
		Output: op.output,
		TransA: false,
		TransB: true,
		Alpha:  1,
		Beta:   0,
	}
	return nil
}

// bitMaskOf sets one bit per canonical axis id in labels.
func bitMaskOf(labels []int) uint32 {
	var mask uint32
	for _, axis := range labels {
		mask |= 1 << axis
	}
	return mask
}

// findAndClearAxis picks the lowest axis of *remaining not blocked by
// constraint, and removes it from the pool.
func findAndClearAxis(remaining *uint32, constraint uint32) int {
	axis := bits.TrailingZeros32(*remaining &^ constraint)
	*remaining &^= 1 << axis
	return axis
}

func productSize(dims []int) int {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return size
}
