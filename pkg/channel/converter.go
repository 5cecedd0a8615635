package channel

import (
	"context"
	"fmt"
	"slices"

	"pvgateway/pkg/pva"
)

// IntrospectFunc fetches the remote structure of the channel being validated.
type IntrospectFunc func(ctx context.Context) (pva.Introspection, error)

// Converter translates between wire values and application values.
//
// For every value v accepted by the channel kind, FromWire(ToWire(v)) == v
// and ToWire(FromWire(w)) == w.
type Converter interface {
	// Validate checks that the remote representation matches what the
	// converter expects. It runs once, before the channel is connected.
	Validate(ctx context.Context, introspect IntrospectFunc) error
	ToWire(v any) (any, error)
	FromWire(w any) (any, error)
}

// NewConverter selects the converter variant for kind.
func NewConverter(kind Kind, choices ...string) Converter {
	if kind == KindEnum {
		return NewEnumConverter(choices...)
	}
	return IdentityConverter{}
}

// IdentityConverter passes values through untouched.
type IdentityConverter struct{}

func (IdentityConverter) Validate(context.Context, IntrospectFunc) error { return nil }

func (IdentityConverter) ToWire(v any) (any, error) { return v, nil }

func (IdentityConverter) FromWire(w any) (any, error) { return w, nil }

// EnumConverter maps symbolic choices to the index the server uses on the
// wire. The remote choice list is captured by Validate; until then the
// expected choices are assumed to be the remote ones, in order.
//
// Reads return any remote choice, including ones the channel does not
// expect, while writes accept only expected choices. A value read back may
// therefore be refused by ToWire.
type EnumConverter struct {
	expected []string
	remote   []string
}

func NewEnumConverter(choices ...string) *EnumConverter {
	return &EnumConverter{
		expected: slices.Clone(choices),
		remote:   slices.Clone(choices),
	}
}

// Choices returns the symbols accepted by ToWire.
func (c *EnumConverter) Choices() []string {
	return slices.Clone(c.expected)
}

func (c *EnumConverter) Validate(ctx context.Context, introspect IntrospectFunc) error {
	in, err := introspect(ctx)
	if err != nil {
		return err
	}
	if len(in.Choices) == 0 {
		return fmt.Errorf("%w: remote is not an enum", ErrValidation)
	}

	var unrecognized []string
	for _, choice := range c.expected {
		if !slices.Contains(in.Choices, choice) {
			unrecognized = append(unrecognized, choice)
		}
	}
	if len(unrecognized) > 0 {
		return fmt.Errorf("%w: enum strings %v not in %v", ErrValidation, unrecognized, in.Choices)
	}

	c.remote = slices.Clone(in.Choices)
	return nil
}

func (c *EnumConverter) ToWire(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("enum value must be a string, got %T", v)
	}
	if !slices.Contains(c.expected, s) {
		return nil, fmt.Errorf("%q is not one of %v", s, c.expected)
	}
	return slices.Index(c.remote, s), nil
}

func (c *EnumConverter) FromWire(w any) (any, error) {
	if s, ok := w.(string); ok {
		if !slices.Contains(c.remote, s) {
			return nil, fmt.Errorf("%q is not one of %v", s, c.remote)
		}
		return s, nil
	}

	idx, ok := toIndex(w)
	if !ok {
		return nil, fmt.Errorf("enum wire value must be an integer, got %T", w)
	}
	if idx < 0 || idx >= int64(len(c.remote)) {
		return nil, fmt.Errorf("enum index %d out of range [0, %d)", idx, len(c.remote))
	}
	return c.remote[idx], nil
}

func toIndex(w any) (int64, bool) {
	switch v := w.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		// JSON numbers decode as float64.
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}
