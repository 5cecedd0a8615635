// Package pva defines the contract between channel adapters and the protocol
// clients that actually talk to the instrument-control network.
//
// Every call on a Conn may block on network I/O. Callers that must not block
// are expected to offload them (see pkg/workpool).
package pva

import "fmt"

// Request selects which fields of a process variable the server returns.
type Request string

const (
	// RequestValue fetches the value field only.
	RequestValue Request = "field(value)"
	// RequestValueAlarmTimestamp fetches value, alarm and timestamp.
	RequestValueAlarmTimestamp Request = "field(value,alarm,timestamp)"
)

// Response is the raw answer to a get or a monitor event. Severity and
// Timestamp are only meaningful when they were requested.
type Response struct {
	Value     any
	Severity  int
	Timestamp float64 // seconds since the Unix epoch
}

// TypeCode is the declared type of a structure field.
type TypeCode int

const (
	TypeUnknown TypeCode = iota
	TypeBoolean
	TypeByte
	TypeUByte
	TypeShort
	TypeUShort
	TypeInt
	TypeUInt
	TypeLong
	TypeULong
	TypeFloat
	TypeDouble
	TypeString
	TypeScalarArray
	TypeStructure
)

var typeNames = map[TypeCode]string{
	TypeUnknown:     "unknown",
	TypeBoolean:     "boolean",
	TypeByte:        "byte",
	TypeUByte:       "ubyte",
	TypeShort:       "short",
	TypeUShort:      "ushort",
	TypeInt:         "int",
	TypeUInt:        "uint",
	TypeLong:        "long",
	TypeULong:       "ulong",
	TypeFloat:       "float",
	TypeDouble:      "double",
	TypeString:      "string",
	TypeScalarArray: "scalar_array",
	TypeStructure:   "structure",
}

func (t TypeCode) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TypeCode(%d)", int(t))
}

// ParseTypeCode returns the TypeCode for a name produced by String.
func ParseTypeCode(name string) (TypeCode, error) {
	for code, n := range typeNames {
		if n == name {
			return code, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown type name: %q", name)
}

// Introspection describes the structure served for a process variable.
// Fields maps top level field names ("value", "alarm", ...) to their types.
// Choices is set for enumerated variables only.
type Introspection struct {
	Fields  map[string]TypeCode
	Choices []string
}

// Conn is an open handle to a single process variable.
type Conn interface {
	Get(req Request) (Response, error)
	Put(value any) error
	Introspect() (Introspection, error)

	// Subscribe registers cb for every update. cb is invoked from the
	// protocol client's own goroutine and must not block.
	Subscribe(req Request, cb func(Response)) (Subscription, error)

	Close() error
}

// Subscription is a standing monitor registration.
type Subscription interface {
	Cancel() error
}

// Dialer opens process variables by name (the part of the address after the
// scheme). Open blocks until the handle is usable or fails.
type Dialer interface {
	Open(name string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(name string) (Conn, error)

func (f DialerFunc) Open(name string) (Conn, error) {
	return f(name)
}
