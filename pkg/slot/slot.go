package slot

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Name identifies a capacity dimension, e.g. "cpu", "mem",
// "cuda.device", "cuda.shares"
type Name string

// Unit is the value domain of a slot type
type Unit string

const (
	UnitCount Unit = "count"
	UnitBytes Unit = "bytes"
)

// Types maps known slot names to their units. Parsing user input
// rejects slot names missing from this map.
type Types map[Name]Unit

// DefaultTypes covers the built-in slot vocabulary; heartbeats from
// agents with compute plugins extend it at runtime.
func DefaultTypes() Types {
	return Types{
		"cpu":         UnitCount,
		"mem":         UnitBytes,
		"cuda.device": UnitCount,
		"cuda.shares": UnitCount,
	}
}

// Slots maps slot names to non-negative quantities. Quantities are
// exact decimals (resource.Quantity), so fractional counts like 0.5
// CPU and byte values past 1 TiB survive arithmetic without drift.
type Slots map[Name]resource.Quantity

// Clone returns a deep copy
func (s Slots) Clone() Slots {
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v.DeepCopy()
	}
	return out
}

// Get returns the quantity for name, defaulting to zero
func (s Slots) Get(name Name) resource.Quantity {
	if q, ok := s[name]; ok {
		return q.DeepCopy()
	}
	return resource.Quantity{}
}

// Add returns the componentwise sum over the union of key sets;
// missing keys default to zero
func (s Slots) Add(other Slots) Slots {
	out := s.Clone()
	for k, v := range other {
		q := out.Get(k)
		q.Add(v)
		out[k] = q
	}
	return out
}

// Sub returns the componentwise difference over the union of key
// sets; missing keys default to zero. The result may carry negative
// components; callers that require non-negativity check LE first.
func (s Slots) Sub(other Slots) Slots {
	out := s.Clone()
	for k, v := range other {
		q := out.Get(k)
		q.Sub(v)
		out[k] = q
	}
	return out
}

// LE reports componentwise s ≤ other over the union of key sets,
// answering "does this request fit the remaining capacity?"
func (s Slots) LE(other Slots) bool {
	for k, v := range s {
		o := other.Get(k)
		if v.Cmp(o) > 0 {
			return false
		}
	}
	return true
}

// Equal reports componentwise equality over the union of key sets
func (s Slots) Equal(other Slots) bool {
	for k, v := range s {
		o := other.Get(k)
		if v.Cmp(o) != 0 {
			return false
		}
	}
	for k, v := range other {
		o := s.Get(k)
		if v.Cmp(o) != 0 {
			return false
		}
	}
	return true
}

// IsZero reports whether every component is zero
func (s Slots) IsZero() bool {
	for _, v := range s {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// String renders slots sorted by name, for logs and reasons
func (s Slots) String() string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, string(k))
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		q := s[Name(n)]
		parts = append(parts, fmt.Sprintf("%s=%s", n, q.String()))
	}
	return strings.Join(parts, " ")
}

// FromUserInput parses raw user-supplied slot values against the known
// slot types. Count slots accept plain decimals ("4", "0.5"); byte
// slots additionally accept binary size suffixes ("8g" = 8 GiB,
// "512m" = 512 MiB). Unknown slot names are rejected.
func FromUserInput(raw map[Name]string, known Types) (Slots, error) {
	out := make(Slots, len(raw))
	for name, value := range raw {
		unit, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown slot name: %s", name)
		}
		q, err := parseValue(value, unit)
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", name, err)
		}
		if q.Sign() < 0 {
			return nil, fmt.Errorf("slot %s: negative value %q", name, value)
		}
		out[name] = q
	}
	return out, nil
}

var byteSuffixes = map[string]string{
	"k": "Ki", "m": "Mi", "g": "Gi", "t": "Ti", "p": "Pi", "e": "Ei",
}

func parseValue(value string, unit Unit) (resource.Quantity, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return resource.Quantity{}, fmt.Errorf("empty value")
	}

	if unit == UnitBytes {
		lower := strings.ToLower(value)
		// Tolerate "8gib" / "8gb" spellings alongside the short "8g".
		lower = strings.TrimSuffix(lower, "ib")
		lower = strings.TrimSuffix(lower, "b")
		if len(lower) > 0 {
			if mapped, ok := byteSuffixes[lower[len(lower)-1:]]; ok {
				return resource.ParseQuantity(lower[:len(lower)-1] + mapped)
			}
		}
		return resource.ParseQuantity(lower)
	}

	return resource.ParseQuantity(value)
}

// MustParse parses a quantity literal, panicking on malformed input.
// Intended for constants and tests.
func MustParse(value string) resource.Quantity {
	return resource.MustParse(value)
}
