// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

// Package einsum lowers Einstein-summation contractions onto the small fixed
// catalog of primitives a constrained accelerator implements: elementwise
// multiply, batched GEMM, sum reduction and strided identity.
//
// The lowering works through an internal "product tensor", the hypothetical
// dense tensor with one axis per unique equation label. Every operand is
// reprojected into that canonical axis space with size/stride arithmetic
// alone: zero strides broadcast missing axes, reordered strides transpose,
// and summed strides walk diagonals of operands that repeat a label. When
// the contraction matches a recognized pattern, the canonical form is
// re-specialized into the exact axis order the primitive demands; otherwise
// the lowering abstains and the caller falls back to a generic path.
package einsum

import (
	"slices"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/substrata-ml/substrata/shapes"
)

// Component is the ordered label sequence of one operand (or of the output)
// as written in the equation. Labels may repeat within a component, which
// addresses the operand's diagonal.
type Component []rune

// Labels projects the component through the canonical label numbering,
// yielding one canonical axis id per operand axis.
func (c Component) Labels(indices map[rune]int) []int {
	labels := make([]int, len(c))
	for i, r := range c {
		labels[i] = indices[r]
	}
	return labels
}

// Expression is a classified einsum equation: the per-operand components
// (inputs first, output last), the canonical label numbering, the product
// tensor dimensions and the recognized operator category.
type Expression struct {
	Equation string

	// Components has exactly NumInputs()+1 entries; the last is the output.
	Components []Component

	// LabelIndices assigns each label its canonical axis id, dense in
	// [0, UniqueLabelCount), numbered by first appearance across the inputs.
	LabelIndices     map[rune]int
	UniqueLabelCount int

	// ProductDimensions is the product tensor shape: per canonical axis, the
	// extent the label has in whichever operand constrains it.
	ProductDimensions []int

	Type RecognizedOperatorType
}

// NumInputs returns the number of input operands the equation names.
func (e *Expression) NumInputs() int { return len(e.Components) - 1 }

// Output returns the output component.
func (e *Expression) Output() Component { return e.Components[len(e.Components)-1] }

// OutputDimensions returns the output tensor dimensions: per output label,
// its product tensor extent.
func (e *Expression) OutputDimensions() []int {
	output := e.Output()
	dims := make([]int, len(output))
	for i, r := range output {
		dims[i] = e.ProductDimensions[e.LabelIndices[r]]
	}
	return dims
}

// Parse classifies an einsum equation against the operand shapes.
//
// The equation uses single-letter labels, "," between operands and an
// optional "->" output; without one the output is implicit, NumPy style: the
// labels occurring exactly once across all inputs, in alphabetical order.
// Ellipses are not supported -- the constrained primitive set cannot express
// them, so such equations must take the fallback path.
//
// Parse validates operand arity and ranks, label character set, output
// labels (each must name some input label, none may repeat) and the
// broadcast agreement of per-label extents; violations return an error. An
// equation that parses but matches no primitive pattern is NOT an error: it
// yields Type == None.
func Parse(equation string, inputs []shapes.Shape) (*Expression, error) {
	if len(inputs) == 0 {
		return nil, errors.New("einsum expects at least one input tensor")
	}
	compact := strings.ReplaceAll(equation, " ", "")
	if strings.Contains(compact, "...") {
		return nil, errors.Errorf("einsum equation %q uses ellipsis broadcasting, which is not supported", equation)
	}

	inputsPart := compact
	outputPart := ""
	explicitOutput := false
	if idx := strings.Index(compact, "->"); idx >= 0 {
		inputsPart = compact[:idx]
		outputPart = compact[idx+2:]
		explicitOutput = true
		if strings.Contains(outputPart, "->") {
			return nil, errors.Errorf("einsum equation %q has more than one \"->\"", equation)
		}
	}

	inputTerms := strings.Split(inputsPart, ",")
	if len(inputTerms) != len(inputs) {
		return nil, errors.Errorf("einsum equation %q names %d operands, but %d input tensors were given",
			equation, len(inputTerms), len(inputs))
	}

	e := &Expression{
		Equation:     equation,
		Components:   make([]Component, 0, len(inputTerms)+1),
		LabelIndices: make(map[rune]int),
	}

	// Canonical ids by first appearance across the input components.
	for i, term := range inputTerms {
		component := Component(term)
		for _, r := range component {
			if !unicode.IsLetter(r) {
				return nil, errors.Errorf("einsum equation %q: invalid label %q in operand %d", equation, r, i)
			}
			if _, ok := e.LabelIndices[r]; !ok {
				e.LabelIndices[r] = e.UniqueLabelCount
				e.UniqueLabelCount++
			}
		}
		if len(component) != inputs[i].Rank() {
			return nil, errors.Errorf("einsum equation %q: operand %d has %d labels but the tensor has rank %d",
				equation, i, len(component), inputs[i].Rank())
		}
		e.Components = append(e.Components, component)
	}

	// Product dimensions, with size-1 extents broadcastable.
	e.ProductDimensions = make([]int, e.UniqueLabelCount)
	for i := range e.ProductDimensions {
		e.ProductDimensions[i] = 1
	}
	for i, component := range e.Components {
		for axis, r := range component {
			label := e.LabelIndices[r]
			extent := inputs[i].Dimensions[axis]
			switch {
			case e.ProductDimensions[label] == 1:
				e.ProductDimensions[label] = extent
			case extent == 1 || extent == e.ProductDimensions[label]:
				// Broadcast, or agreement.
			default:
				return nil, errors.Errorf("einsum equation %q: label %q has extent %d in operand %d but %d elsewhere",
					equation, r, extent, i, e.ProductDimensions[label])
			}
		}
	}

	output, err := e.outputComponent(outputPart, explicitOutput, inputTerms)
	if err != nil {
		return nil, err
	}
	e.Components = append(e.Components, output)

	e.Type = recognize(e.Components, e.LabelIndices, e.UniqueLabelCount)
	klog.V(2).Infof("einsum: %q classified as %s, product dimensions %v",
		equation, e.Type, e.ProductDimensions)
	return e, nil
}

// outputComponent validates an explicit output term, or derives the implicit
// one: labels used exactly once across all inputs, alphabetically.
func (e *Expression) outputComponent(outputPart string, explicit bool, inputTerms []string) (Component, error) {
	if explicit {
		output := Component(outputPart)
		seen := make(map[rune]bool, len(output))
		for _, r := range output {
			if _, ok := e.LabelIndices[r]; !ok {
				return nil, errors.Errorf("einsum equation %q: output label %q does not appear in any input", e.Equation, r)
			}
			if seen[r] {
				return nil, errors.Errorf("einsum equation %q: output label %q repeats", e.Equation, r)
			}
			seen[r] = true
		}
		return output, nil
	}

	counts := make(map[rune]int)
	for _, term := range inputTerms {
		for _, r := range term {
			counts[r]++
		}
	}
	var output Component
	for r, n := range counts {
		if n == 1 {
			output = append(output, r)
		}
	}
	slices.Sort(output)
	return output, nil
}

// Supported reports whether the equation, applied to the given input shapes,
// lowers onto the primitive catalog. Malformed equations are simply not
// supported.
func Supported(equation string, inputs []shapes.Shape) bool {
	e, err := Parse(equation, inputs)
	return err == nil && e.Type != None
}
