package schedule

import (
	"strconv"
	"strings"
)

// DefaultDurationMin applies when neither the caller nor the menu sets a duration.
const DefaultDurationMin = 45

// FindTreatmentItem resolves a menu. An exact external id match wins; otherwise
// the first item whose title contains name is returned.
func FindTreatmentItem(items []TreatmentItem, externalID, name string) (TreatmentItem, bool) {
	externalID = strings.TrimSpace(externalID)
	name = strings.TrimSpace(name)
	if externalID != "" {
		for _, it := range items {
			if strconv.Itoa(it.ID) == externalID {
				return it, true
			}
		}
	}
	if name != "" {
		for _, it := range items {
			if strings.Contains(it.Title, name) {
				return it, true
			}
		}
	}
	return TreatmentItem{}, false
}

// EffectiveDuration is max(requested, menu) when both are set, whichever is
// set otherwise, and DefaultDurationMin when neither is.
func EffectiveDuration(requested int, menu *TreatmentItem) int {
	menuMin := 0
	if menu != nil {
		menuMin = menu.TreatmentTime
	}
	switch {
	case requested > 0 && menuMin > 0:
		return max(requested, menuMin)
	case requested > 0:
		return requested
	case menuMin > 0:
		return menuMin
	default:
		return DefaultDurationMin
	}
}

// EligibleColumns narrows columns to the caller's filter and the menu's
// column list. Filter entries match a column id or name. The emergency
// column is always removed.
func EligibleColumns(columns []Column, filter []string, menu *TreatmentItem) []Column {
	useMenu := menu != nil && len(menu.UseColumn) > 0
	out := make([]Column, 0, len(columns))
	for _, c := range columns {
		if c.IsEmergency() {
			continue
		}
		if len(filter) > 0 && !matchesFilter(c, filter) {
			continue
		}
		if useMenu && !menu.Allows(c.ID) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchesFilter(c Column, filter []string) bool {
	id := strconv.Itoa(c.ID)
	for _, f := range filter {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if f == id || f == c.Name {
			return true
		}
	}
	return false
}

// ColumnNames joins names with a comma.
func ColumnNames(cols []Column) string {
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return strings.Join(names, ",")
}
