package cache

import (
	"crypto/md5" //nolint:gosec // key derivation, not security
	"encoding/hex"
	"sort"
	"strings"

	"github.com/quantpulse/tscache/pkg/provider"
)

// queryKeyLen is the number of hex characters kept from the digest.
const queryKeyLen = 16

// QueryKey derives the stable cache key for a query from its identifying
// parameters, excluding the date range. Queries that differ only in range
// share a key and reconcile against the same cached coverage.
func QueryKey(q provider.Query) string {
	params := map[string]string{
		"kind":   string(q.Kind),
		"symbol": q.Symbol,
	}
	if q.Frequency != "" {
		params["frequency"] = q.Frequency
	}
	if q.AdjustFlag != "" {
		params["adjust"] = q.AdjustFlag
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}

	sum := md5.Sum([]byte(sb.String())) //nolint:gosec // key derivation, not security

	return hex.EncodeToString(sum[:])[:queryKeyLen]
}

// DataKind names the partition store subdirectory for a query. Daily bars
// carry the frequency and adjustment in the name so differently adjusted
// series never share files.
func DataKind(q provider.Query) string {
	if q.Kind != provider.KindDailyBars {
		return string(q.Kind)
	}

	freq := q.Frequency
	if freq == "" {
		freq = "d"
	}
	adjust := q.AdjustFlag
	if adjust == "" {
		adjust = "3"
	}

	return "bars_" + freq + "_" + adjust
}
