// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/substrata-ml/substrata/shapes"
)

// InterpName selects the reference compiler in ConfigEnvVar.
const InterpName = "interp"

func init() {
	Register(InterpName, func(string) (Compiler, error) { return Interp{}, nil })
}

// Interp is the reference compiler: it executes descriptors on the host by
// walking the strided layouts literally, so zero strides broadcast, summed
// strides follow diagonals and zero-stride accumulation realizes reductions.
// It is the oracle the lowering tests run against, and a non-accelerated
// fallback for debugging. Float32 only.
type Interp struct{}

// Name implements Compiler.
func (Interp) Name() string { return InterpName }

// Compile implements Compiler. The returned handle is a *CompiledOp, whose
// Execute runs the descriptor over flat float32 buffers.
func (Interp) Compile(op Op) (Handle, error) {
	var numInputs int
	var run func(inputs [][]float32, output []float32) error
	var err error
	switch op := op.(type) {
	case ElementWiseMultiply:
		numInputs, run, err = compileMultiply(op)
	case Gemm:
		numInputs, run, err = compileGemm(op)
	case ReduceSum:
		numInputs, run, err = compileReduceSum(op)
	case Identity:
		numInputs, run, err = compileIdentity(op)
	default:
		return nil, errors.Errorf("interp: unsupported descriptor %T", op)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "interp: compiling %s", op.OpName())
	}
	compiled := &CompiledOp{id: uuid.NewString(), op: op, numInputs: numInputs, run: run}
	klog.V(1).Infof("interp: compiled %s as %s", op.OpName(), compiled.id)
	return compiled, nil
}

// CompiledOp is Interp's handle: an executable closure over the descriptor.
type CompiledOp struct {
	id        string
	op        Op
	numInputs int
	run       func(inputs [][]float32, output []float32) error
}

// ID implements Handle.
func (c *CompiledOp) ID() string { return c.id }

// Op returns the descriptor this handle was compiled from.
func (c *CompiledOp) Op() Op { return c.op }

// Execute runs the operator over flat buffers, in descriptor operand order.
func (c *CompiledOp) Execute(inputs [][]float32, output []float32) error {
	if len(inputs) != c.numInputs {
		return errors.Errorf("interp: %s expects %d inputs, got %d", c.op.OpName(), c.numInputs, len(inputs))
	}
	return c.run(inputs, output)
}

func requireFloat32(descs ...shapes.Desc) error {
	for _, d := range descs {
		if d.DType != dtypes.Float32 {
			return errors.Errorf("the interp compiler only supports %s, got %s", dtypes.Float32, d)
		}
	}
	return nil
}

// eachCoord visits every coordinate of dims in row-major order. The coord
// slice is reused between calls.
func eachCoord(dims []int, fn func(coord []int)) {
	for _, d := range dims {
		if d == 0 {
			return
		}
	}
	coord := make([]int, len(dims))
	for {
		fn(coord)
		axis := len(dims) - 1
		for ; axis >= 0; axis-- {
			coord[axis]++
			if coord[axis] < dims[axis] {
				break
			}
			coord[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}

func offsetOf(coord, strides []int) int {
	offset := 0
	for i, c := range coord {
		offset += c * strides[i]
	}
	return offset
}

func compileMultiply(op ElementWiseMultiply) (int, func([][]float32, []float32) error, error) {
	if err := requireFloat32(op.A, op.B, op.Output); err != nil {
		return 0, nil, err
	}
	if !slices.Equal(op.A.Dimensions, op.Output.Dimensions) || !slices.Equal(op.B.Dimensions, op.Output.Dimensions) {
		return 0, nil, errors.Errorf("multiply operands must share dimensions: A=%s B=%s output=%s", op.A, op.B, op.Output)
	}
	run := func(inputs [][]float32, output []float32) error {
		a, b := inputs[0], inputs[1]
		eachCoord(op.Output.Dimensions, func(coord []int) {
			output[offsetOf(coord, op.Output.Strides)] =
				a[offsetOf(coord, op.A.Strides)] * b[offsetOf(coord, op.B.Strides)]
		})
		return nil
	}
	return 2, run, nil
}

func compileIdentity(op Identity) (int, func([][]float32, []float32) error, error) {
	if err := requireFloat32(op.Input, op.Output); err != nil {
		return 0, nil, err
	}
	if !slices.Equal(op.Input.Dimensions, op.Output.Dimensions) {
		return 0, nil, errors.Errorf("identity operands must share dimensions: input=%s output=%s", op.Input, op.Output)
	}
	run := func(inputs [][]float32, output []float32) error {
		in := inputs[0]
		eachCoord(op.Output.Dimensions, func(coord []int) {
			output[offsetOf(coord, op.Output.Strides)] = in[offsetOf(coord, op.Input.Strides)]
		})
		return nil
	}
	return 1, run, nil
}

func compileReduceSum(op ReduceSum) (int, func([][]float32, []float32) error, error) {
	if err := requireFloat32(op.Input, op.Output); err != nil {
		return 0, nil, err
	}
	if op.Input.Rank() != op.Output.Rank() {
		return 0, nil, errors.Errorf("reduce expects matching ranks (keep-dims), input=%s output=%s", op.Input, op.Output)
	}
	for _, axis := range op.Axes {
		if axis < 0 || axis >= op.Output.Rank() || op.Output.Dimensions[axis] != 1 {
			return 0, nil, errors.Errorf("reduced axis %d is not a size-1 output axis of %s", axis, op.Output)
		}
	}
	run := func(inputs [][]float32, output []float32) error {
		in := inputs[0]
		for i := range op.Output.Size() {
			output[i] = 0
		}
		// The reduced axes carry stride 0 in the output layout, so
		// accumulating through it folds them away.
		eachCoord(op.Input.Dimensions, func(coord []int) {
			output[offsetOf(coord, op.Output.Strides)] += in[offsetOf(coord, op.Input.Strides)]
		})
		return nil
	}
	return 1, run, nil
}

func compileGemm(op Gemm) (int, func([][]float32, []float32) error, error) {
	if err := requireFloat32(op.A, op.B, op.Output); err != nil {
		return 0, nil, err
	}
	if op.A.Rank() != 4 || op.B.Rank() != 4 || op.Output.Rank() != 4 {
		return 0, nil, errors.Errorf("gemm descriptors must be rank 4: A=%s B=%s output=%s", op.A, op.B, op.Output)
	}
	m, k := op.A.Dimensions[2], op.A.Dimensions[3]
	if op.TransA {
		m, k = k, m
	}
	kB, n := op.B.Dimensions[2], op.B.Dimensions[3]
	if op.TransB {
		kB, n = n, kB
	}
	if k != kB {
		return 0, nil, errors.Errorf("gemm reduction extents disagree: A=%s B=%s (transA=%v transB=%v)",
			op.A, op.B, op.TransA, op.TransB)
	}
	if op.Output.Dimensions[2] != m || op.Output.Dimensions[3] != n {
		return 0, nil, errors.Errorf("gemm output %s does not match %dx%d", op.Output, m, n)
	}
	if op.A.Dimensions[0] != op.Output.Dimensions[0] || op.A.Dimensions[1] != op.Output.Dimensions[1] ||
		op.B.Dimensions[0] != op.Output.Dimensions[0] || op.B.Dimensions[1] != op.Output.Dimensions[1] {
		return 0, nil, errors.Errorf("gemm batch/channel extents disagree: A=%s B=%s output=%s", op.A, op.B, op.Output)
	}

	at := func(d shapes.Desc, b, c, row, col int) int {
		return b*d.Strides[0] + c*d.Strides[1] + row*d.Strides[2] + col*d.Strides[3]
	}
	run := func(inputs [][]float32, output []float32) error {
		a, bMat := inputs[0], inputs[1]
		for batch := range op.Output.Dimensions[0] {
			for channel := range op.Output.Dimensions[1] {
				for row := range m {
					for col := range n {
						var acc float32
						for red := range k {
							aRow, aCol := row, red
							if op.TransA {
								aRow, aCol = red, row
							}
							bRow, bCol := red, col
							if op.TransB {
								bRow, bCol = col, red
							}
							acc += a[at(op.A, batch, channel, aRow, aCol)] *
								bMat[at(op.B, batch, channel, bRow, bCol)]
						}
						out := at(op.Output, batch, channel, row, col)
						result := op.Alpha * acc
						if op.Beta != 0 {
							result += op.Beta * output[out]
						}
						output[out] = result
					}
				}
			}
		}
		return nil
	}
	return 2, run, nil
}
