package sandbox

// CheckPermissions reports whether every required scope appears in granted.
// It is plain set containment: "*" has no special meaning here.
func CheckPermissions(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

// missingPermissions returns the required scopes absent from granted.
func missingPermissions(granted, required []string) []string {
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	var missing []string
	for _, s := range required {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}
