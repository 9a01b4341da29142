// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

// Package primitives defines the closed catalog of operator descriptors the
// accelerator implements, and the Compiler interface that turns a
// fully-specified descriptor into an opaque handle for later execution.
//
// The descriptors carry strided tensor layouts (shapes.Desc); all axis
// reordering, broadcasting and diagonal addressing has already been folded
// into the strides by the einsum lowering, so a compiler only needs to honor
// the layouts literally.
package primitives

import (
	"os"
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/substrata-ml/substrata/shapes"
)

// Op is a fully-specified operator descriptor. The set of implementations
// is closed: ElementWiseMultiply, Gemm, ReduceSum and Identity.
type Op interface {
	// OpName returns the descriptor's operator kind, for logging and errors.
	OpName() string
}

// ElementWiseMultiply multiplies A and B elementwise into Output. All three
// layouts have the same dimensions; broadcasting is expressed with zero
// strides.
type ElementWiseMultiply struct {
	A, B, Output shapes.Desc
}

// OpName implements Op.
func (ElementWiseMultiply) OpName() string { return "ElementWiseMultiply" }

// Gemm is a batched matrix multiply over rank-4 layouts
// [batch, channel, rows, cols]. With TransB set, B's reduction axis is its
// rightmost one -- the only arrangement in which the accelerator accepts a
// contracted axis.
type Gemm struct {
	A, B, Output   shapes.Desc
	TransA, TransB bool
	Alpha, Beta    float32
}

// OpName implements Op.
func (Gemm) OpName() string { return "Gemm" }

// ReduceSum sums Input along Axes into Output. Output has the same rank as
// Input with the reduced axes kept at size 1.
type ReduceSum struct {
	Input, Output shapes.Desc
	Axes          []int
}

// OpName implements Op.
func (ReduceSum) OpName() string { return "ReduceSum" }

// Identity copies Input to Output elementwise. With strided layouts this
// expresses transposition and diagonal extraction.
type Identity struct {
	Input, Output shapes.Desc
}

// OpName implements Op.
func (Identity) OpName() string { return "Identity" }

// Handle is the opaque result of compiling a descriptor; the execution
// machinery that consumes it lives outside this layer.
type Handle interface {
	ID() string
}

// Compiler builds executable handles from descriptors.
type Compiler interface {
	Name() string
	Compile(op Op) (Handle, error)
}

// Constructor builds a Compiler from a backend-specific configuration
// string (possibly empty).
type Constructor func(config string) (Compiler, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a compiler constructor under a name. Call during package
// initialization; the first registered name becomes the default.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the registered compiler names, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConfigEnvVar selects the default compiler configuration, in the format
// "<name>" or "<name>:<compiler-specific config>".
const ConfigEnvVar = "SUBSTRATA_COMPILER"

// DefaultConfig is used when ConfigEnvVar is unset. Empty means the first
// registered compiler with an empty configuration.
var DefaultConfig string

// New returns the default Compiler: the ConfigEnvVar environment variable if
// set, else DefaultConfig, else the first registered compiler.
func New() (Compiler, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig builds the compiler selected by a "<name>[:<config>]"
// string.
func NewWithConfig(config string) (Compiler, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New("no compilers registered -- import a compiler package for its side effects")
	}
	name := firstRegistered
	compilerConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		compilerConfig = config[idx+1:]
	} else if config != "" {
		name = config
		compilerConfig = ""
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("no compiler %q registered (have %v)", name, List())
	}
	return constructor(compilerConfig)
}

// MustNew is New, panicking (with stack trace) on error.
func MustNew() Compiler {
	c, err := New()
	if err != nil {
		exceptions.Panicf("primitives.MustNew: %+v", err)
	}
	return c
}
