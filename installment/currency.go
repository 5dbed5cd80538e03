package installment

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// LocaleFunc renders a whole-unit amount using locale data.
type LocaleFunc func(amount float64) (string, error)

// Formatter renders amounts as VND with zero fractional digits.
// When Locale is nil or fails, a manual grouping with FallbackSuffix is used.
type Formatter struct {
	Locale         LocaleFunc
	FallbackSuffix string
}

var errNotFinite = errors.New("amount is not finite")

// NewFormatter returns a Formatter backed by x/text Vietnamese number data.
func NewFormatter() *Formatter {
	return &Formatter{
		Locale:         VietnameseLocale(),
		FallbackSuffix: " đ",
	}
}

// VietnameseLocale formats with vi-VN grouping and the dong sign.
func VietnameseLocale() LocaleFunc {
	p := message.NewPrinter(language.Vietnamese)
	return func(amount float64) (string, error) {
		if math.IsNaN(amount) || math.IsInf(amount, 0) {
			return "", errNotFinite
		}
		return p.Sprintf("%v ₫", number.Decimal(amount, number.MaxFractionDigits(0))), nil
	}
}

// Format renders v rounded to the nearest whole currency unit.
func (f *Formatter) Format(v float64) string {
	rounded := math.Round(v)
	if f.Locale != nil {
		if s, err := f.Locale(rounded); err == nil {
			return s
		}
	}
	return groupThousands(rounded) + f.FallbackSuffix
}

var defaultFormatter = NewFormatter()

// FormatCurrency renders v with the default VND formatter.
func FormatCurrency(v float64) string {
	return defaultFormatter.Format(v)
}

// groupThousands writes a whole number with '.' every three digits, as vi-VN does.
func groupThousands(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	if v > math.MaxInt64 {
		v = math.MaxInt64
	} else if v < -math.MaxInt64 {
		v = -math.MaxInt64
	}

	n := int64(v)
	neg := n < 0
	if neg {
		n = -n
	}

	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}

	head := len(digits) % 3
	if head == 0 {
		head = 3
	}
	b.WriteString(digits[:head])
	for i := head; i < len(digits); i += 3 {
		b.WriteByte('.')
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
