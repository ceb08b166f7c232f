package model

import (
	"math"
	"strconv"
	"strings"
)

// NormalizeIdentity turns a raw identity (folder name or spreadsheet cell)
// into its lookup key. Integral numbers lose leading zeros and formatting
// ("0007", "7.0", " 7 " all become "7"); anything else is only trimmed.
func NormalizeIdentity(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}

	return s
}
