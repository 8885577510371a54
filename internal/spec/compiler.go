package spec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Registry holds the platform's dimension descriptors and the dimension
// sets recognised per spec type. Read-only after construction.
type Registry struct {
	descriptors map[DimensionName]*Descriptor
	recognised  map[SpecType][]DimensionName
}

// NewRegistry builds the default registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: defaultDescriptors(),
		recognised:  recognisedByType(),
	}
}

// Recognised returns the ordered dimension set for a spec type.
func (r *Registry) Recognised(t SpecType) ([]DimensionName, bool) {
	dims, ok := r.recognised[t]
	return dims, ok
}

// Validate runs every compile check without materialising instances.
func (r *Registry) Validate(s *AgentSpec) []Violation {
	return r.check(s)
}

// Compile validates the spec and materialises its runtime bundle. Exactly
// one of the return values is non-empty.
func (r *Registry) Compile(s *AgentSpec) (*Bundle, []Violation) {
	if vs := r.check(s); len(vs) > 0 {
		return nil, vs
	}

	bundle := &Bundle{
		SpecID:      s.ID,
		SpecVersion: s.Version,
		Type:        s.Type,
		Dimensions:  make(map[DimensionName]Instance, len(s.Dimensions)),
		CompiledAt:  time.Now().UTC(),
	}

	for name, dim := range s.Dimensions {
		if dim == nil {
			bundle.Dimensions[name] = NullInstance{Name: name}
			continue
		}
		inst, err := r.descriptors[name].Materialise(dim.Config)
		if err != nil {
			// check() already validated shape; a materialise failure here
			// is an infrastructure-level inconsistency.
			return nil, []Violation{violationf(
				"/dimensions/"+string(name), CodeWrongShape,
				"materialise failed: %v", err,
			)}
		}
		bundle.Dimensions[name] = inst
	}

	return bundle, nil
}

func (r *Registry) check(s *AgentSpec) []Violation {
	var out []Violation

	if s.ID == "" {
		out = append(out, violationf("/id", CodeMissingField, "spec id is required"))
	}

	recognised, ok := r.recognised[s.Type]
	if !ok {
		out = append(out, violationf("/type", CodeUnsupportedType, "unsupported spec type %q", s.Type))
		return out
	}

	if _, _, _, err := parseVersion(s.Version); err != nil {
		out = append(out, violationf("/version", CodeWrongShape, "spec version: %v", err))
	}

	inSet := make(map[DimensionName]bool, len(recognised))
	for _, name := range recognised {
		inSet[name] = true
	}

	// No implicit absence: every recognised dimension must appear, either
	// active or as the explicit null sentinel.
	for _, name := range recognised {
		if _, present := s.Dimensions[name]; !present {
			out = append(out, violationf(
				"/dimensions/"+string(name), CodeMissingDimension,
				"dimension %q must be present (active or explicitly null)", name,
			))
		}
	}

	// Deterministic violation order regardless of map iteration.
	names := make([]DimensionName, 0, len(s.Dimensions))
	for name := range s.Dimensions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	for _, name := range names {
		path := "/dimensions/" + string(name)
		desc, known := r.descriptors[name]
		if !known || !inSet[name] {
			out = append(out, violationf(path, CodeUnknownDimension,
				"dimension %q is not recognised for spec type %q", name, s.Type))
			continue
		}

		dim := s.Dimensions[name]
		if dim == nil {
			continue // null sentinel: valid, compiles to a null instance
		}

		major, minor, _, err := parseVersion(dim.Version)
		if err != nil {
			out = append(out, violationf(path+"/version", CodeWrongShape, "dimension version: %v", err))
		} else if major != desc.Major || minor < desc.MinMinor || minor > desc.MaxMinor {
			out = append(out, violationf(path+"/version", CodeVersionOutOfRange,
				"version %s outside supported range %d.%d-%d.%d",
				dim.Version, desc.Major, desc.MinMinor, desc.Major, desc.MaxMinor))
		}

		if len(dim.Config) == 0 {
			out = append(out, violationf(path+"/config", CodeMissingField,
				"active dimension %q requires a configuration", name))
			continue
		}
		out = append(out, desc.Validate(path+"/config", dim.Config)...)
	}

	return out
}

// parseVersion splits a semantic version; patch may be omitted.
func parseVersion(v string) (major, minor, patch int, err error) {
	parts := strings.Split(v, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("%q is not a semantic version", v)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("%q is not a semantic version", v)
		}
		nums[i] = n
	}
	major, minor = nums[0], nums[1]
	if len(nums) == 3 {
		patch = nums[2]
	}
	return major, minor, patch, nil
}
