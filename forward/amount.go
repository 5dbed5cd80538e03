package forward

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// NormalizeAmount accepts a withdrawal amount as a JSON number or a string such as
// "1,000.50" and returns it rounded to at most two decimals.
func NormalizeAmount(v any) (float64, error) {
	var amount float64
	switch x := v.(type) {
	case float64:
		amount = x
	case float32:
		amount = float64(x)
	case int:
		amount = float64(x)
	case int64:
		amount = float64(x)
	case json.Number:
		f, err := parseAmountString(x.String())
		if err != nil {
			return 0, err
		}
		amount = f
	case string:
		f, err := parseAmountString(x)
		if err != nil {
			return 0, err
		}
		amount = f
	default:
		return 0, ErrInvalidAmount
	}

	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return 0, ErrInvalidAmount
	}

	// Large finite inputs overflow when scaled to cents.
	rounded := math.Round(amount*100) / 100
	if math.IsInf(rounded, 0) || rounded <= 0 {
		return 0, ErrInvalidAmount
	}
	return rounded, nil
}

// NormalizeWithdrawal rewrites the amount of a withdrawal body and returns the
// re-encoded JSON together with the accepted amount. Other fields are kept.
func NormalizeWithdrawal(body []byte) ([]byte, float64, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return nil, 0, ErrMissingBody
	}
	// A single JSON object only; trailing whitespace is fine.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, 0, ErrMissingBody
	}

	amount, err := NormalizeAmount(payload["amount"])
	if err != nil {
		return nil, 0, err
	}
	payload["amount"] = amount

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode withdrawal body: %w", err)
	}
	return out, amount, nil
}

func parseAmountString(s string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ',' {
			return -1
		}
		return r
	}, s)
	if cleaned == "" {
		return 0, ErrInvalidAmount
	}

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return f, nil
}
