package core

import "time"

func toRecord(d RawDevice, seen time.Time) PrinterRecord {
	display := d.DisplayName
	if display == "" {
		display = d.Name
	}
	model := d.Options[optMakeAndModel]
	if model == "" {
		model = d.Description
	}
	return PrinterRecord{
		Name:         d.Name,
		DisplayName:  display,
		Status:       DeriveStatus(d),
		IsDefault:    d.IsDefault,
		Capabilities: capabilitiesFrom(d.Options),
		Model:        normalizeModel(model),
		DeviceID:     deviceIdentifier(d.Options[optDeviceURI]),
		LastSeen:     seen,
	}
}

// dedupe collapses records that describe the same physical unit reached over
// several transports. Order follows the first appearance of each group.
func dedupe(records []PrinterRecord) []PrinterRecord {
	type group struct {
		best        int
		bestDefault bool
		anyDefault  bool
	}

	out := make([]PrinterRecord, 0, len(records))
	groups := make(map[string]*group)
	seenNames := make(map[string]bool)

	for _, r := range records {
		if r.Name == "" || seenNames[r.Name] {
			continue
		}
		seenNames[r.Name] = true

		if r.Model == "" || r.DeviceID == "" {
			out = append(out, r)
			continue
		}

		key := r.Model + "|" + r.DeviceID
		g, ok := groups[key]
		if !ok {
			groups[key] = &group{best: len(out), bestDefault: r.IsDefault, anyDefault: r.IsDefault}
			out = append(out, r)
			continue
		}

		g.anyDefault = g.anyDefault || r.IsDefault
		if preferred(r, out[g.best], g.bestDefault) {
			out[g.best] = r
			g.bestDefault = r.IsDefault
		}
		out[g.best].IsDefault = g.anyDefault
	}
	return out
}

func preferred(candidate, current PrinterRecord, currentDefault bool) bool {
	if cr, kr := candidate.Status.rank(), current.Status.rank(); cr != kr {
		return cr > kr
	}
	return candidate.IsDefault && !currentDefault
}
