package types

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrMissingParameter reports a required parameter without value or default.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrInvalidParameter reports an unknown parameter or a value that does not fit its type.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// ValueType is the declared type of a parameter or state.
type ValueType string

const (
	TypeBool    ValueType = "Bool"
	TypeInt     ValueType = "Int"
	TypeUint    ValueType = "Uint"
	TypeDouble  ValueType = "Double"
	TypeString  ValueType = "String"
	TypeColor   ValueType = "Color"
	TypeVariant ValueType = "Variant"
)

// ParamType declares one parameter of a thing class, event, action or
// discovery request.
type ParamType struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	DisplayName   string    `json:"displayName,omitempty"`
	Type          ValueType `json:"type"`
	DefaultValue  any       `json:"defaultValue,omitempty"`
	MinValue      *float64  `json:"minValue,omitempty"`
	MaxValue      *float64  `json:"maxValue,omitempty"`
	AllowedValues []any     `json:"allowedValues,omitempty"`
	Unit          string    `json:"unit,omitempty"`
}

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Coerce converts v to the declared type and checks its bounds. Strings are
// parsed for numeric and boolean types since interactive clients send raw
// text.
func (pt ParamType) Coerce(v any) (any, error) {
	var out any
	switch pt.Type {
	case TypeBool:
		switch x := v.(type) {
		case bool:
			out = x
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %q is not a bool", ErrInvalidParameter, pt.Name, x)
			}
			out = b
		default:
			return nil, fmt.Errorf("%w: %s: %v is not a bool", ErrInvalidParameter, pt.Name, v)
		}
	case TypeInt, TypeUint, TypeDouble:
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, pt.Name, err)
		}
		if pt.Type != TypeDouble && f != math.Trunc(f) {
			return nil, fmt.Errorf("%w: %s: %v is not an integer", ErrInvalidParameter, pt.Name, v)
		}
		if pt.Type == TypeUint && f < 0 {
			return nil, fmt.Errorf("%w: %s: %v is negative", ErrInvalidParameter, pt.Name, v)
		}
		if pt.MinValue != nil && f < *pt.MinValue {
			return nil, fmt.Errorf("%w: %s: %v below minimum %v", ErrInvalidParameter, pt.Name, v, *pt.MinValue)
		}
		if pt.MaxValue != nil && f > *pt.MaxValue {
			return nil, fmt.Errorf("%w: %s: %v above maximum %v", ErrInvalidParameter, pt.Name, v, *pt.MaxValue)
		}
		if pt.Type == TypeDouble {
			out = f
		} else {
			out = int64(f)
		}
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %v is not a string", ErrInvalidParameter, pt.Name, v)
		}
		out = s
	case TypeColor:
		s, ok := v.(string)
		if !ok || !colorPattern.MatchString(s) {
			return nil, fmt.Errorf("%w: %s: %v is not a #rrggbb color", ErrInvalidParameter, pt.Name, v)
		}
		out = strings.ToLower(s)
	default:
		out = v
	}

	if len(pt.AllowedValues) > 0 && !containsValue(pt.AllowedValues, out) {
		return nil, fmt.Errorf("%w: %s: %v not in allowed values", ErrInvalidParameter, pt.Name, v)
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%v is not a number", v)
	}
}

// Number converts numeric values and numeric strings to float64.
func Number(v any) (float64, bool) {
	f, err := toFloat(v)
	return f, err == nil
}

// Equal compares two parameter or state values. Numbers compare by value
// regardless of their Go type.
func Equal(a, b any) bool {
	fa, errA := toFloat(a)
	fb, errB := toFloat(b)
	_, aStr := a.(string)
	_, bStr := b.(string)
	if errA == nil && errB == nil && !(aStr && bStr) {
		return fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func containsValue(list []any, v any) bool {
	for _, x := range list {
		if Equal(x, v) {
			return true
		}
	}
	return false
}

// ParamTypes is an ordered list of parameter declarations.
type ParamTypes []ParamType

// ByID returns the declaration with the given id.
func (pts ParamTypes) ByID(id string) (ParamType, bool) {
	for _, pt := range pts {
		if pt.ID == id {
			return pt, true
		}
	}
	return ParamType{}, false
}

// ByName returns the declaration with the given name.
func (pts ParamTypes) ByName(name string) (ParamType, bool) {
	for _, pt := range pts {
		if pt.Name == name {
			return pt, true
		}
	}
	return ParamType{}, false
}

// Lookup resolves a parameter reference by id first, then by name.
func (pts ParamTypes) Lookup(p Param) (ParamType, bool) {
	if p.ParamTypeID != "" {
		if pt, ok := pts.ByID(p.ParamTypeID); ok {
			return pt, true
		}
	}
	if p.Name != "" {
		return pts.ByName(p.Name)
	}
	return ParamType{}, false
}

// Validate resolves params against the declarations. The result is in
// declared order, keyed by parameter type id, with values coerced and
// defaults applied. Unknown params are rejected with ErrInvalidParameter.
// With requireAll, a declaration without value and default fails with
// ErrMissingParameter.
func (pts ParamTypes) Validate(params ParamList, requireAll bool) (ParamList, error) {
	given := make(map[string]any, len(params))
	for _, p := range params {
		pt, ok := pts.Lookup(p)
		if !ok {
			ref := p.ParamTypeID
			if ref == "" {
				ref = p.Name
			}
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrInvalidParameter, ref)
		}
		v, err := pt.Coerce(p.Value)
		if err != nil {
			return nil, err
		}
		given[pt.ID] = v
	}

	out := make(ParamList, 0, len(pts))
	for _, pt := range pts {
		v, ok := given[pt.ID]
		if !ok {
			if pt.DefaultValue == nil {
				if requireAll {
					return nil, fmt.Errorf("%w: %s", ErrMissingParameter, pt.Name)
				}
				continue
			}
			v = pt.DefaultValue
		}
		out = append(out, Param{ParamTypeID: pt.ID, Name: pt.Name, Value: v})
	}
	return out, nil
}

// Param is one concrete parameter value. On the wire a param is referenced
// either by paramTypeId or by name.
type Param struct {
	ParamTypeID string `json:"paramTypeId,omitempty"`
	Name        string `json:"name,omitempty"`
	Value       any    `json:"value"`
}

// ParamList is an ordered parameter set. It can be read by parameter type id
// or by position; both views share the same storage.
type ParamList []Param

// ByID returns the param with the given parameter type id.
func (l ParamList) ByID(id string) (Param, bool) {
	for _, p := range l {
		if p.ParamTypeID == id {
			return p, true
		}
	}
	return Param{}, false
}

// ByIndex returns the param at position i in declared order.
func (l ParamList) ByIndex(i int) (Param, bool) {
	if i < 0 || i >= len(l) {
		return Param{}, false
	}
	return l[i], true
}

// Value returns the value for id, or nil.
func (l ParamList) Value(id string) any {
	p, _ := l.ByID(id)
	return p.Value
}

// Set replaces the value for id or appends a new param.
func (l *ParamList) Set(id string, v any) {
	for i := range *l {
		if (*l)[i].ParamTypeID == id {
			(*l)[i].Value = v
			return
		}
	}
	*l = append(*l, Param{ParamTypeID: id, Value: v})
}

// Clone returns a copy that does not share storage with l.
func (l ParamList) Clone() ParamList {
	if l == nil {
		return nil
	}
	out := make(ParamList, len(l))
	copy(out, l)
	return out
}
