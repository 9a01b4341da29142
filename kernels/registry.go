// Copyright 2024-2026 The Substrata Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// registryKey identifies a kernel family; different versions of the same
// operator share one key.
type registryKey struct {
	provider string
	domain   string
	op       string
}

// KernelBuilder is one registered kernel record: the operator identity, the
// half-open version range it serves, the binding table derived from the
// compute routine's signature, and the constructor producing Kernel
// instances.
type KernelBuilder struct {
	Provider string
	Domain   string
	OpName   string

	// [SinceVersion, EndVersion); EndVersion == 0 means open-ended.
	SinceVersion int
	EndVersion   int

	binding   *binding
	construct func(info KernelInfo) (Kernel, error)
}

// NumInputs returns how many input slots the compute routine consumes.
func (b *KernelBuilder) NumInputs() int { return b.binding.numInputs }

// NumOutputs returns how many output slots the compute routine consumes.
func (b *KernelBuilder) NumOutputs() int { return b.binding.numOutputs }

// InputDTypes returns the input type constraints inferred from the compute
// routine's parameter list, in slot order.
func (b *KernelBuilder) InputDTypes() []dtypes.DType { return slices.Clone(b.binding.inputDTypes) }

// OutputDTypes returns the inferred output type constraints, in slot order.
func (b *KernelBuilder) OutputDTypes() []dtypes.DType { return slices.Clone(b.binding.outputDTypes) }

// servesVersion reports whether the builder's version range covers version.
func (b *KernelBuilder) servesVersion(version int) bool {
	return version >= b.SinceVersion && (b.EndVersion == 0 || version < b.EndVersion)
}

// overlaps reports whether two half-open version ranges intersect.
func (b *KernelBuilder) overlaps(since, end int) bool {
	if b.EndVersion != 0 && since >= b.EndVersion {
		return false
	}
	if end != 0 && b.SinceVersion >= end {
		return false
	}
	return true
}

// Registry holds kernel builders keyed by (provider, domain, operator name).
//
// Registration happens once, ahead of execution, and is not synchronized
// against lookups -- populate the registry before serving NewKernel calls.
type Registry struct {
	builders map[registryKey][]*KernelBuilder
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[registryKey][]*KernelBuilder)}
}

// RegisterFn registers a function kernel: fn's parameter list defines the
// input/output binding and type constraints (see package doc), and the
// version range [since, end) (end == 0 for open-ended) selects it at
// NewKernel time. Overlapping registrations for the same operator identity
// are a configuration error, reported here.
func (r *Registry) RegisterFn(provider, domain, op string, since, end int, fn any) error {
	k, err := newFnKernel(fn)
	if err != nil {
		return errors.WithMessagef(err, "registering kernel %s/%s.%s", provider, domain, op)
	}
	return r.register(&KernelBuilder{
		Provider:     provider,
		Domain:       domain,
		OpName:       op,
		SinceVersion: since,
		EndVersion:   end,
		binding:      k.binding,
		construct: func(KernelInfo) (Kernel, error) {
			// Function kernels are stateless; the one instance is shared.
			return k, nil
		},
	})
}

// RegisterStruct registers a struct kernel type K: its Compute method
// defines the binding, and one *K instance is built per NewKernel call
// (running K's optional Init with the provider metadata).
func RegisterStruct[K any](r *Registry, provider, domain, op string, since, end int) error {
	b, err := structBinding[K]()
	if err != nil {
		return errors.WithMessagef(err, "registering kernel %s/%s.%s", provider, domain, op)
	}
	return r.register(&KernelBuilder{
		Provider:     provider,
		Domain:       domain,
		OpName:       op,
		SinceVersion: since,
		EndVersion:   end,
		binding:      b,
		construct: func(info KernelInfo) (Kernel, error) {
			return buildStructKernel[K](b, info)
		},
	})
}

func (r *Registry) register(kb *KernelBuilder) error {
	if kb.Provider == "" || kb.OpName == "" {
		return errors.Errorf("kernel registration requires a provider and an operator name, got provider=%q op=%q",
			kb.Provider, kb.OpName)
	}
	if kb.SinceVersion < 1 {
		return errors.Errorf("kernel %s/%s.%s: since-version must be >= 1, got %d",
			kb.Provider, kb.Domain, kb.OpName, kb.SinceVersion)
	}
	if kb.EndVersion != 0 && kb.EndVersion <= kb.SinceVersion {
		return errors.Errorf("kernel %s/%s.%s: invalid version range [%d, %d)",
			kb.Provider, kb.Domain, kb.OpName, kb.SinceVersion, kb.EndVersion)
	}
	key := registryKey{provider: kb.Provider, domain: kb.Domain, op: kb.OpName}
	for _, existing := range r.builders[key] {
		if existing.overlaps(kb.SinceVersion, kb.EndVersion) {
			return errors.Errorf("kernel %s/%s.%s: version range [%d, %d) overlaps existing registration [%d, %d)",
				kb.Provider, kb.Domain, kb.OpName,
				kb.SinceVersion, kb.EndVersion, existing.SinceVersion, existing.EndVersion)
		}
	}
	r.builders[key] = append(r.builders[key], kb)
	klog.V(1).Infof("kernels: registered %s/%s.%s versions [%d, %d), %d inputs, %d outputs",
		kb.Provider, kb.Domain, kb.OpName, kb.SinceVersion, kb.EndVersion,
		kb.NumInputs(), kb.NumOutputs())
	return nil
}

// Lookup returns the builder serving the given operator identity and opset
// version, or an error if none was registered.
func (r *Registry) Lookup(provider, domain, op string, version int) (*KernelBuilder, error) {
	key := registryKey{provider: provider, domain: domain, op: op}
	for _, kb := range r.builders[key] {
		if kb.servesVersion(version) {
			return kb, nil
		}
	}
	return nil, errors.Errorf("no kernel registered for %s/%s.%s version %d", provider, domain, op, version)
}

// NewKernel looks up the builder serving the given version and constructs
// its Kernel -- for struct kernels this is where the instance is built and
// initialized from info.
func (r *Registry) NewKernel(provider, domain, op string, version int, info KernelInfo) (Kernel, error) {
	kb, err := r.Lookup(provider, domain, op, version)
	if err != nil {
		return nil, err
	}
	return kb.construct(info)
}
