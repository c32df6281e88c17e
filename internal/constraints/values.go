package constraints

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DATE VALUES
// =============================================================================

// DateLayout is the canonical date layout.
const DateLayout = "2006-01-02"

// Spreadsheet serial dates count days from 1899-12-30 (the 1900 leap-year
// bug is folded into the base). 2958465 is 9999-12-31.
var serialBase = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

const maxSerial = 2958465

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02",
	"02.01.2006",
	"01/02/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"January 2, 2006",
}

var (
	serialPattern    = regexp.MustCompile(`^\d+(\.\d+)?$`)
	compactDate      = regexp.MustCompile(`^\d{8}$`)
	odataDatePattern = regexp.MustCompile(`^/Date\((-?\d+)([+-]\d{4})?\)/$`)
)

// ErrInvalidDate is returned when text is not a calendar date.
var ErrInvalidDate = errors.New("not a valid date")

// ParseDate accepts ISO dates, a few common spreadsheet layouts, compact
// YYYYMMDD, OData "/Date(ms)/" values and spreadsheet serial numbers.
// Impossible calendar dates (2024-02-30) are rejected.
func ParseDate(text string) (time.Time, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return time.Time{}, ErrInvalidDate
	}

	if compactDate.MatchString(s) {
		if t, err := time.Parse("20060102", s); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, text)
	}

	if serialPattern.MatchString(s) {
		return SerialToDate(s)
	}

	if m := odataDatePattern.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, text)
		}
		t := time.UnixMilli(ms).UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, text)
}

// SerialToDate converts a spreadsheet serial number to a date. The
// fractional (time of day) part is dropped.
func SerialToDate(serial string) (time.Time, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(serial), 64)
	if err != nil || f < 1 || f > maxSerial {
		return time.Time{}, fmt.Errorf("%w: serial %q out of range", ErrInvalidDate, serial)
	}
	return serialBase.AddDate(0, 0, int(f)), nil
}

// NormalizeDate returns text as YYYY-MM-DD.
func NormalizeDate(text string) (string, error) {
	t, err := ParseDate(text)
	if err != nil {
		return "", err
	}
	return t.Format(DateLayout), nil
}

// =============================================================================
// DECIMAL VALUES
// =============================================================================

// ErrInvalidDecimal is returned when text is not a finite decimal number.
var ErrInvalidDecimal = errors.New("not a valid decimal number")

// maxDecimalExponent bounds the exponent of scientific notation input.
// Rendering 1e100000000 would expand a hundred million digits.
const maxDecimalExponent = 64

var (
	groupedComma = regexp.MustCompile(`^-?\d{1,3}(,\d{3})+$`)
	decimalComma = regexp.MustCompile(`^-?\d+,\d+$`)
)

// ParseDecimal parses text into an exact decimal.
//
// Accepted forms:
//   - "1234.56", "-0.5", "1e3"
//   - "1,234.56" and "1.234,56" (the last separator is the decimal point)
//   - "1,234,567" (comma thousands grouping)
//   - "12,5" (decimal comma)
//   - "100-" (SAP trailing minus)
//
// Exponents beyond ±64 are rejected.
func ParseDecimal(text string) (decimal.Decimal, error) {
	s := strings.TrimSpace(text)
	s = strings.NewReplacer(" ", "", "\u00a0", "", "'", "").Replace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidDecimal)
	}

	if strings.HasSuffix(s, "-") && !strings.HasPrefix(s, "-") {
		s = "-" + strings.TrimSuffix(s, "-")
	}

	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")
	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0 && groupedComma.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case comma >= 0 && decimalComma.MatchString(s):
		s = strings.Replace(s, ",", ".", 1)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidDecimal, text)
	}
	if strings.ContainsAny(s, "eE") {
		if exp := d.Exponent(); exp > maxDecimalExponent || exp < -maxDecimalExponent {
			return decimal.Zero, fmt.Errorf("%w: exponent out of range in %q", ErrInvalidDecimal, text)
		}
	}
	return d, nil
}

// NormalizeDecimal returns the exact canonical text of a decimal value.
// Insignificant trailing fractional zeros are removed.
func NormalizeDecimal(text string) (string, error) {
	d, err := ParseDecimal(text)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// DecimalDigits returns the number of integer and fraction digits of d.
// Trailing fractional zeros do not count, and neither does a lone leading
// zero ("0.05" has 0 integer digits and 2 fraction digits).
func DecimalDigits(d decimal.Decimal) (intDigits, fracDigits int) {
	coef := new(big.Int).Abs(d.Coefficient())
	exp := d.Exponent()

	if coef.Sign() == 0 {
		return 0, 0
	}

	ten := big.NewInt(10)
	mod := new(big.Int)
	for exp < 0 {
		q, r := new(big.Int).QuoRem(coef, ten, mod)
		if r.Sign() != 0 {
			break
		}
		coef = q
		exp++
	}

	digits := len(coef.String())
	if exp >= 0 {
		return digits + int(exp), 0
	}

	fracDigits = int(-exp)
	intDigits = digits - fracDigits
	if intDigits < 0 {
		intDigits = 0
	}
	return intDigits, fracDigits
}

// =============================================================================
// BOOLEAN VALUES
// =============================================================================

// ErrInvalidBool is returned for text that is neither a true nor a false
// marker.
var ErrInvalidBool = errors.New("not a valid boolean")

// ParseBool converts SAP-style markers to a boolean: "X" is true and blank
// is false. Common spellings (true/false, yes/no, 1/0) are accepted too.
func ParseBool(text string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "x", "true", "yes", "y", "1":
		return true, nil
	case "", "false", "no", "n", "0", "-":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidBool, text)
	}
}

// NormalizeBool returns "true" or "false".
func NormalizeBool(text string) (string, error) {
	b, err := ParseBool(text)
	if err != nil {
		return "", err
	}
	return strconv.FormatBool(b), nil
}

// =============================================================================
// DISPATCH
// =============================================================================

// NormalizeValue converts text to the canonical text of the field type.
// Blank text stays blank for every type.
func NormalizeValue(t FieldType, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	switch t {
	case TypeDate:
		return NormalizeDate(text)
	case TypeDecimal:
		return NormalizeDecimal(text)
	case TypeBoolean:
		return NormalizeBool(text)
	default:
		return text, nil
	}
}
