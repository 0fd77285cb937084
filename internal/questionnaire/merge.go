package questionnaire

// MergePatch applies patch over base and returns the merged document.
// Neither argument is modified.
//
//   - nil, "" and empty lists in the patch keep the stored value
//   - objects merge key by key
//   - lists merge index by index with the same rules; extra patch elements append
//   - numbers and booleans overwrite, zero and false included
//   - keys missing from base are added
func MergePatch(base, patch map[string]any) map[string]any {
	out, _ := deepCopy(base).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	for k, pv := range patch {
		if keepsStored(pv) {
			continue
		}
		out[k] = mergeValue(out[k], deepCopy(pv))
	}
	return out
}

func keepsStored(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case []map[string]any:
		return len(t) == 0
	}
	return false
}

func mergeValue(stored, patch any) any {
	if keepsStored(patch) {
		return stored
	}
	switch p := patch.(type) {
	case map[string]any:
		s, ok := stored.(map[string]any)
		if !ok {
			return p
		}
		for k, pv := range p {
			if keepsStored(pv) {
				continue
			}
			s[k] = mergeValue(s[k], pv)
		}
		return s
	case []any:
		s, ok := stored.([]any)
		if !ok {
			return p
		}
		for i, pv := range p {
			if i < len(s) {
				s[i] = mergeValue(s[i], pv)
				continue
			}
			if !keepsStored(pv) {
				s = append(s, pv)
			}
		}
		return s
	default:
		return patch
	}
}
