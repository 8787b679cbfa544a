package schema

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// CoercionError reports a raw value that could not be converted to its
// column type. Callers map it to a null field; it is never fatal.
type CoercionError struct {
	Raw  string
	Type ValueType
	Err  error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("cannot coerce %q to %s: %v", e.Raw, e.Type, e.Err)
}

func (e *CoercionError) Unwrap() error {
	return e.Err
}

// bigFloatPrec is the mantissa precision used when reducing scientific
// notation to an integer. 256 bits covers every bigint the feeds emit.
const bigFloatPrec = 256

// Coerce converts one raw field value to the given type. An empty input
// is null for every type. A non-empty value that does not parse yields
// (nil, *CoercionError); booleans are the exception, where anything
// other than "true" (any case) or "1" is simply false.
func Coerce(raw string, typ ValueType) (interface{}, error) {
	if raw == "" {
		return nil, nil
	}

	switch typ {
	case TypeInt32:
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, &CoercionError{Raw: raw, Type: typ, Err: err}
		}
		return int32(n), nil

	case TypeFloat64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &CoercionError{Raw: raw, Type: typ, Err: err}
		}
		// NaN and Inf are not JSON-encodable.
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &CoercionError{Raw: raw, Type: typ, Err: fmt.Errorf("non-finite value")}
		}
		return f, nil

	case TypeBool:
		return strings.EqualFold(raw, "true") || raw == "1", nil

	case TypeBigInt:
		s, err := coerceBigInt(raw)
		if err != nil {
			return nil, &CoercionError{Raw: raw, Type: typ, Err: err}
		}
		return s, nil

	case TypeString:
		return raw, nil
	}

	return nil, &CoercionError{Raw: raw, Type: typ, Err: fmt.Errorf("unknown value type")}
}

// coerceBigInt reduces a decimal string, possibly in scientific notation
// ("1.23E+5", "5e3"), to its canonical integer rendering. Fractional
// results round half away from zero.
func coerceBigInt(raw string) (string, error) {
	// Exact integer fast path.
	if i, ok := new(big.Int).SetString(raw, 10); ok {
		return i.String(), nil
	}

	mantStr, exp, err := splitExponent(raw)
	if err != nil {
		return "", err
	}

	mant, ok := new(big.Float).SetPrec(bigFloatPrec).SetString(mantStr)
	if !ok {
		return "", fmt.Errorf("invalid mantissa %q", mantStr)
	}

	if exp != 0 {
		scale := new(big.Float).SetPrec(bigFloatPrec)
		scale.SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(absInt64(exp)), nil))
		if exp > 0 {
			mant.Mul(mant, scale)
		} else {
			mant.Quo(mant, scale)
		}
	}

	// Round half away from zero: shift by one half toward the sign,
	// then truncate toward zero.
	half := big.NewFloat(0.5)
	if mant.Sign() >= 0 {
		mant.Add(mant, half)
	} else {
		mant.Sub(mant, half)
	}
	z, _ := mant.Int(nil)
	return z.String(), nil
}

// splitExponent separates "<mantissa>[eE]<exp>" and validates that the
// mantissa is a plain signed decimal. Rejects anything else (hex forms,
// "Inf", repeated markers) so big.Float cannot be fed surprises.
func splitExponent(raw string) (string, int64, error) {
	mant := raw
	var exp int64

	if idx := strings.IndexAny(raw, "eE"); idx >= 0 {
		mant = raw[:idx]
		expStr := raw[idx+1:]
		n, err := strconv.ParseInt(expStr, 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("invalid exponent %q", expStr)
		}
		exp = n
	}

	if !validMantissa(mant) {
		return "", 0, fmt.Errorf("invalid mantissa %q", mant)
	}
	return mant, exp, nil
}

func validMantissa(s string) bool {
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		s = s[1:]
	}
	digits := 0
	dots := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
			digits++
		case s[i] == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
