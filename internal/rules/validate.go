package rules

import (
	"fmt"
	"time"
)

// ValidationError rejects a rules patch, naming the first offending
// field rather than a generic failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rules: invalid %s: %s", e.Field, e.Reason)
}

var allowedPatchKeys = map[string]struct{}{
	"default_buffer_minutes":    {},
	"min_appointment_minutes":   {},
	"max_appointment_minutes":   {},
	"allowed_appointment_types": {},
	"breaks":                    {},
	"buffer_times":              {},
	"appointment_durations":     {},
	"date_specific_breaks":      {},
}

// validatePatch checks the key whitelist, numeric ranges, and time
// string formats before anything is applied.
func validatePatch(patch map[string]any) error {
	if len(patch) == 0 {
		return &ValidationError{Field: "patch", Reason: "must not be empty"}
	}

	for key := range patch {
		if _, ok := allowedPatchKeys[key]; !ok {
			return &ValidationError{Field: key, Reason: "unknown preference key"}
		}
	}

	if v, ok := patch["default_buffer_minutes"]; ok {
		minutes, ok := asInt(v)
		if !ok || minutes < 0 || minutes > 120 {
			return &ValidationError{Field: "default_buffer_minutes", Reason: "must be an integer between 0 and 120"}
		}
	}
	for _, field := range []string{"min_appointment_minutes", "max_appointment_minutes"} {
		if v, ok := patch[field]; ok {
			minutes, ok := asInt(v)
			if !ok || minutes <= 0 {
				return &ValidationError{Field: field, Reason: "must be a positive integer"}
			}
		}
	}

	if v, ok := patch["allowed_appointment_types"]; ok {
		if _, ok := asStringSlice(v); !ok {
			return &ValidationError{Field: "allowed_appointment_types", Reason: "must be a list of strings"}
		}
	}

	if v, ok := patch["buffer_times"]; ok {
		buffers, ok := v.(map[string]any)
		if !ok {
			return &ValidationError{Field: "buffer_times", Reason: "must map appointment type to minutes"}
		}
		for apptType, raw := range buffers {
			minutes, ok := asInt(raw)
			if !ok || minutes < 0 || minutes > 120 {
				return &ValidationError{
					Field:  "buffer_times." + apptType,
					Reason: "must be an integer between 0 and 120",
				}
			}
		}
	}

	if v, ok := patch["breaks"]; ok {
		windows, ok := asBreakWindows(v)
		if !ok {
			return &ValidationError{Field: "breaks", Reason: "each break needs start and end times"}
		}
		for i, w := range windows {
			if err := validateWindow(w); err != nil {
				return &ValidationError{Field: fmt.Sprintf("breaks[%d]", i), Reason: err.Error()}
			}
		}
	}

	if v, ok := patch["date_specific_breaks"]; ok {
		byDate, ok := v.(map[string]any)
		if !ok {
			return &ValidationError{Field: "date_specific_breaks", Reason: "must map dates to break lists"}
		}
		for dateKey, raw := range byDate {
			if _, err := time.Parse("2006-01-02", dateKey); err != nil {
				return &ValidationError{Field: "date_specific_breaks." + dateKey, Reason: "date must be YYYY-MM-DD"}
			}
			windows, ok := asBreakWindows(raw)
			if !ok {
				return &ValidationError{Field: "date_specific_breaks." + dateKey, Reason: "each break needs start and end times"}
			}
			for i, w := range windows {
				if err := validateWindow(w); err != nil {
					return &ValidationError{
						Field:  fmt.Sprintf("date_specific_breaks.%s[%d]", dateKey, i),
						Reason: err.Error(),
					}
				}
			}
		}
	}

	if v, ok := patch["appointment_durations"]; ok {
		byType, ok := v.(map[string]any)
		if !ok {
			return &ValidationError{Field: "appointment_durations", Reason: "must map appointment type to limits"}
		}
		for apptType, raw := range byType {
			limits, ok := raw.(map[string]any)
			if !ok {
				return &ValidationError{Field: "appointment_durations." + apptType, Reason: "must contain min_minutes/max_minutes"}
			}
			for _, bound := range []string{"min_minutes", "max_minutes"} {
				if lv, present := limits[bound]; present {
					minutes, ok := asInt(lv)
					if !ok || minutes <= 0 {
						return &ValidationError{
							Field:  fmt.Sprintf("appointment_durations.%s.%s", apptType, bound),
							Reason: "must be a positive integer",
						}
					}
				}
			}
		}
	}

	return nil
}

func validateWindow(w BreakWindow) error {
	start, err := time.Parse("15:04", w.Start)
	if err != nil {
		return fmt.Errorf("start must be HH:MM")
	}
	end, err := time.Parse("15:04", w.End)
	if err != nil {
		return fmt.Errorf("end must be HH:MM")
	}
	if !start.Before(end) {
		return fmt.Errorf("start must precede end")
	}
	return nil
}

// applyPatch merges a validated patch into a rule set copy.
func applyPatch(current ProviderRuleSet, patch map[string]any) ProviderRuleSet {
	if v, ok := patch["default_buffer_minutes"]; ok {
		minutes, _ := asInt(v)
		current.DefaultBufferMinutes = &minutes
	}
	if v, ok := patch["min_appointment_minutes"]; ok {
		current.MinMinutes, _ = asInt(v)
	}
	if v, ok := patch["max_appointment_minutes"]; ok {
		current.MaxMinutes, _ = asInt(v)
	}
	if v, ok := patch["allowed_appointment_types"]; ok {
		current.AllowedTypes, _ = asStringSlice(v)
	}
	if v, ok := patch["buffer_times"]; ok {
		buffers := v.(map[string]any)
		current.BufferByType = make(map[string]int, len(buffers))
		for apptType, raw := range buffers {
			current.BufferByType[apptType], _ = asInt(raw)
		}
	}
	if v, ok := patch["breaks"]; ok {
		current.Breaks, _ = asBreakWindows(v)
	}
	if v, ok := patch["date_specific_breaks"]; ok {
		byDate := v.(map[string]any)
		current.DateSpecificBreaks = make(map[string][]BreakWindow, len(byDate))
		for dateKey, raw := range byDate {
			current.DateSpecificBreaks[dateKey], _ = asBreakWindows(raw)
		}
	}
	if v, ok := patch["appointment_durations"]; ok {
		byType := v.(map[string]any)
		current.DurationsByType = make(map[string]DurationLimits, len(byType))
		for apptType, raw := range byType {
			limits := raw.(map[string]any)
			var dl DurationLimits
			if lv, ok := limits["min_minutes"]; ok {
				dl.MinMinutes, _ = asInt(lv)
			}
			if lv, ok := limits["max_minutes"]; ok {
				dl.MaxMinutes, _ = asInt(lv)
			}
			current.DurationsByType[apptType] = dl
		}
	}
	return current
}

// asInt accepts int and the float64 that JSON decoding produces.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func asStringSlice(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func asBreakWindows(v any) ([]BreakWindow, bool) {
	switch list := v.(type) {
	case []BreakWindow:
		return append([]BreakWindow(nil), list...), true
	case []any:
		out := make([]BreakWindow, 0, len(list))
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			start, ok := entry["start"].(string)
			if !ok {
				return nil, false
			}
			end, ok := entry["end"].(string)
			if !ok {
				return nil, false
			}
			out = append(out, BreakWindow{Start: start, End: end})
		}
		return out, true
	default:
		return nil, false
	}
}
