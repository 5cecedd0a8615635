package channel

import (
	"fmt"
	"reflect"

	"pvgateway/pkg/pva"
)

// Dtype is the logical data kind reported in a Descriptor.
type Dtype string

const (
	DtypeString  Dtype = "string"
	DtypeInteger Dtype = "integer"
	DtypeNumber  Dtype = "number"
	DtypeArray   Dtype = "array"
)

// Descriptor summarises the structure of a channel's values.
type Descriptor struct {
	Source string `json:"source"`
	Dtype  Dtype  `json:"dtype"`
	Shape  []int  `json:"shape"`
}

var scalarDtypes = map[pva.TypeCode]Dtype{
	pva.TypeString: DtypeString,
	pva.TypeShort:  DtypeInteger,
	pva.TypeFloat:  DtypeNumber,
	pva.TypeLong:   DtypeInteger,
	pva.TypeDouble: DtypeNumber,
}

// BuildDescriptor derives a Descriptor from introspection metadata and a
// sample response. The declared type of the value field is looked up first;
// when it is not one of the known scalars the sample must hold a sequence,
// which is reported as an array of its current length.
func BuildDescriptor(source string, in pva.Introspection, sample pva.Response) (Descriptor, error) {
	declared, ok := in.Fields["value"]
	if ok {
		if dtype, ok := scalarDtypes[declared]; ok {
			return Descriptor{Source: source, Dtype: dtype, Shape: []int{}}, nil
		}
	}

	n, ok := sequenceLen(sample.Value)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: can't get dtype for %v with datatype %s",
			ErrMalformedMetadata, sample.Value, declared)
	}
	return Descriptor{Source: source, Dtype: DtypeArray, Shape: []int{n}}, nil
}

func sequenceLen(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Len(), true
	default:
		return 0, false
	}
}
