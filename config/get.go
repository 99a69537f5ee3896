package config

import (
	"fmt"
	"math"
)

func (b *Block) lookup(key string) ([]Scalar, error) {
	values, ok := b.params[key]
	if !ok {
		return nil, &Error{Pos: b.Pos, Msg: fmt.Sprintf("missing required key %q in block %q", key, b.Name)}
	}
	b.touched[key] = true
	return values, nil
}

// dimension groups units that are mutually convertible. Two units compare
// equal under a getter's unit check only if they share a dimension; the
// literal's own unit decides its magnitude, which is then rescaled to the
// base of the unit the getter asked for (spec §6.1, scenario S3: "2 us"
// satisfies a UNIT_NS getter as 2000, but a UNIT_MV getter must fail).
func dimension(u Unit) int {
	switch u {
	case UnitNone:
		return 0
	case UnitMHz, UnitKHz:
		return 1
	case UnitNS, UnitPS, UnitUS, UnitMS, UnitS:
		return 2
	case UnitV, UnitMV:
		return 3
	case UnitB, UnitKiB, UnitMiB:
		return 4
	case UnitFC:
		return 5
	default:
		return -1
	}
}

// baseScale returns the multiplier from u to its dimension's canonical base
// (nanoseconds for time, hertz for frequency, volts for voltage, bytes for
// memory, femtocoulombs for charge, 1 for none).
func baseScale(u Unit) float64 {
	switch u {
	case UnitPS:
		return 1e-3
	case UnitNS:
		return 1
	case UnitUS:
		return 1e3
	case UnitMS:
		return 1e6
	case UnitS:
		return 1e9
	case UnitKHz:
		return 1e3
	case UnitMHz:
		return 1e6
	case UnitMV:
		return 1e-3
	case UnitV:
		return 1
	case UnitKiB:
		return 1024
	case UnitMiB:
		return 1024 * 1024
	default:
		return 1
	}
}

func checkUnit(pos Position, got, want Unit) error {
	if dimension(got) != dimension(want) {
		return &Error{Pos: pos, Msg: fmt.Sprintf("unit mismatch: got %s, want %s", got, want)}
	}
	return nil
}

func convertUnit(v float64, got, want Unit) float64 {
	return v * baseScale(got) / baseScale(want)
}

// GetInt32 fetches a single integer-valued scalar, enforcing unit and
// [min, max] range (spec §6.1).
func (b *Block) GetInt32(key string, unit Unit, min, max int32) (int32, error) {
	values, err := b.lookup(key)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, &Error{Pos: b.Pos, Msg: fmt.Sprintf("key %q: expected a single value, got %d", key, len(values))}
	}
	return scalarToInt32(values[0], unit, min, max)
}

func scalarToInt32(s Scalar, unit Unit, min, max int32) (int32, error) {
	if s.Kind != KindInt {
		return 0, &Error{Pos: s.Pos, Msg: "expected an integer value"}
	}
	if err := checkUnit(s.Pos, s.Unit, unit); err != nil {
		return 0, err
	}
	scaled := convertUnit(float64(s.Int), s.Unit, unit)
	v := int32(math.Round(scaled))
	if v < min || v > max {
		return 0, &Error{Pos: s.Pos, Msg: fmt.Sprintf("value %d out of range [%d, %d]", v, min, max)}
	}
	return v, nil
}

// GetDouble fetches a single numeric-valued scalar (int or float literal)
// converted to a unit-scaled float64, enforcing [min, max] range.
func (b *Block) GetDouble(key string, unit Unit, min, max float64) (float64, error) {
	values, err := b.lookup(key)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, &Error{Pos: b.Pos, Msg: fmt.Sprintf("key %q: expected a single value, got %d", key, len(values))}
	}
	return scalarToDouble(values[0], unit, min, max)
}

func scalarToDouble(s Scalar, unit Unit, min, max float64) (float64, error) {
	var v float64
	switch s.Kind {
	case KindInt:
		v = float64(s.Int)
	case KindFloat:
		v = s.Float
	default:
		return 0, &Error{Pos: s.Pos, Msg: "expected a numeric value"}
	}
	if err := checkUnit(s.Pos, s.Unit, unit); err != nil {
		return 0, err
	}
	v = convertUnit(v, s.Unit, unit)
	if v < min || v > max {
		return 0, &Error{Pos: s.Pos, Msg: fmt.Sprintf("value %g out of range [%g, %g]", v, min, max)}
	}
	return v, nil
}

// GetString fetches a single string or identifier scalar.
func (b *Block) GetString(key string) (string, error) {
	values, err := b.lookup(key)
	if err != nil {
		return "", err
	}
	if len(values) != 1 {
		return "", &Error{Pos: b.Pos, Msg: fmt.Sprintf("key %q: expected a single value, got %d", key, len(values))}
	}
	s := values[0]
	if s.Kind != KindString && s.Kind != KindIdent {
		return "", &Error{Pos: s.Pos, Msg: "expected a string or identifier value"}
	}
	return s.Str, nil
}

// GetIdent fetches a single identifier scalar and validates it against a
// closed set of allowed keywords (spec §6.1: "identifier keywords resolved
// against a closed enum").
func (b *Block) GetIdent(key string, allowed ...string) (string, error) {
	s, err := b.GetString(key)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", &Error{Pos: b.Pos, Msg: fmt.Sprintf("key %q: %q is not one of %v", key, s, allowed)}
}

// GetInt32Array fetches an integer array, requiring the declared value
// count to match length exactly (spec §6.1: "array getters require exact
// length match").
func (b *Block) GetInt32Array(key string, unit Unit, min, max int32, length int) ([]int32, error) {
	values, err := b.lookup(key)
	if err != nil {
		return nil, err
	}
	if len(values) != length {
		return nil, &Error{Pos: b.Pos, Msg: fmt.Sprintf("key %q: expected %d values, got %d", key, length, len(values))}
	}
	out := make([]int32, length)
	for i, v := range values {
		iv, err := scalarToInt32(v, unit, min, max)
		if err != nil {
			return nil, err
		}
		out[i] = iv
	}
	return out, nil
}

// GetInt32Default behaves like GetInt32 but returns def if key is absent.
func (b *Block) GetInt32Default(key string, unit Unit, min, max, def int32) (int32, error) {
	if !b.HasKey(key) {
		return def, nil
	}
	return b.GetInt32(key, unit, min, max)
}

// GetDoubleDefault behaves like GetDouble but returns def if key is absent.
func (b *Block) GetDoubleDefault(key string, unit Unit, min, max, def float64) (float64, error) {
	if !b.HasKey(key) {
		return def, nil
	}
	return b.GetDouble(key, unit, min, max)
}
