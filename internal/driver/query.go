package driver

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// fieldValue resolves a filter/sort field name against an entry. Dotted
// "metadata.<key>" paths index into the metadata map. The second return is
// false for unknown fields or absent metadata keys.
func fieldValue(entry *RoomCache, field string) (any, bool) {
	if rest, ok := strings.CutPrefix(field, "metadata."); ok {
		v, ok := entry.Metadata[rest]
		return v, ok
	}
	switch field {
	case "roomId":
		return entry.RoomID, true
	case "processId":
		return entry.ProcessID, true
	case "name":
		return entry.Name, true
	case "clients":
		return entry.Clients, true
	case "maxClients":
		return entry.MaxClients, true
	case "locked":
		return entry.Locked, true
	case "private":
		return entry.Private, true
	case "unlisted":
		return entry.Unlisted, true
	case "createdAt":
		return entry.CreatedAt, true
	default:
		// Bare metadata keys are accepted for matchmaking criteria so that
		// filterBy fields match without the "metadata." prefix.
		v, ok := entry.Metadata[field]
		return v, ok
	}
}

// normalize maps a value to a canonical comparable form: all numerics become
// float64 (matching a JSON round trip), everything else is kept as-is.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// equalValue reports loose equality between a filter value and a field value,
// tolerant of the int/float64 skew a JSON round trip introduces.
func equalValue(a, b any) bool {
	na, nb := normalize(a), normalize(b)
	if ta, ok := na.(time.Time); ok {
		if tb, ok := nb.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	return na == nb
}

// compareValue orders two normalized values: numbers numerically, strings
// lexically, bools false<true, times chronologically. Mismatched or unknown
// kinds compare by their formatted form so ordering stays total.
func compareValue(a, b any) int {
	na, nb := normalize(a), normalize(b)

	switch va := na.(type) {
	case float64:
		if vb, ok := nb.(float64); ok {
			switch {
			case va < vb:
				return -1
			case va > vb:
				return 1
			default:
				return 0
			}
		}
	case string:
		if vb, ok := nb.(string); ok {
			return strings.Compare(va, vb)
		}
	case bool:
		if vb, ok := nb.(bool); ok {
			switch {
			case !va && vb:
				return -1
			case va && !vb:
				return 1
			default:
				return 0
			}
		}
	case time.Time:
		if vb, ok := nb.(time.Time); ok {
			return va.Compare(vb)
		}
	}

	return strings.Compare(fmt.Sprint(na), fmt.Sprint(nb))
}

// matchesFilter reports whether entry satisfies every equality condition in
// filter. Conditions on fields the entry does not carry never match.
func matchesFilter(entry *RoomCache, filter Filter) bool {
	for field, want := range filter {
		got, ok := fieldValue(entry, field)
		if !ok || !equalValue(want, got) {
			return false
		}
	}
	return true
}

// sortEntries orders entries in place by the multi-key sort spec. Entries
// missing a sort field rank before those carrying it (ascending). The sort is
// stable so ties keep natural query order.
func sortEntries(entries []*RoomCache, spec []SortField) {
	if len(spec) == 0 {
		return
	}
	sort.SliceStable(entries, func(i, j int) bool {
		for _, key := range spec {
			vi, oki := fieldValue(entries[i], key.Field)
			vj, okj := fieldValue(entries[j], key.Field)

			var c int
			switch {
			case !oki && !okj:
				c = 0
			case !oki:
				c = -1
			case !okj:
				c = 1
			default:
				c = compareValue(vi, vj)
			}

			if key.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
}
