package main

import (
	"sort"

	"speedcurve"
)

// deviceCaps lists the codes a device reports per event type. It is what the
// virtual device advertises; the kernel drops events for codes it was not told about.
type deviceCaps struct {
	Rel []uint16
	Key []uint16
	Msc []uint16
}

// Key codes from BTN_MISC (0x100) through BTN_TASK (0x117): every mouse and misc button.
const (
	btnMisc = 0x100
	btnTask = 0x117
)

// fallbackCaps is advertised for a source whose capabilities could not be read.
func fallbackCaps() deviceCaps {
	var c deviceCaps
	for _, code := range relCodeNames {
		c.Rel = append(c.Rel, code)
	}
	for code := uint16(btnMisc); code <= btnTask; code++ {
		c.Key = append(c.Key, code)
	}
	return c
}

// mergeCaps unions the source capabilities and adds the reshaped codes under
// their event type, so every forwarded event has a matching bit on the output.
func mergeCaps(sources []deviceCaps, evType uint16, codes []uint16) deviceCaps {
	rel := map[uint16]struct{}{}
	key := map[uint16]struct{}{}
	msc := map[uint16]struct{}{}
	add := func(set map[uint16]struct{}, codes []uint16) {
		for _, c := range codes {
			set[c] = struct{}{}
		}
	}

	for _, s := range sources {
		add(rel, s.Rel)
		add(key, s.Key)
		add(msc, s.Msc)
	}
	switch evType {
	case speedcurve.EV_REL:
		add(rel, codes)
	case speedcurve.EV_KEY:
		add(key, codes)
	case speedcurve.EV_MSC:
		add(msc, codes)
	}

	return deviceCaps{Rel: sortedCodes(rel), Key: sortedCodes(key), Msc: sortedCodes(msc)}
}

func sortedCodes(set map[uint16]struct{}) []uint16 {
	if len(set) == 0 {
		return nil
	}
	out := make([]uint16, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// bitsToCodes decodes an EVIOCGBIT bitmask (little-endian bytes of unsigned longs).
func bitsToCodes(bits []byte) []uint16 {
	var out []uint16
	for i, b := range bits {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				out = append(out, uint16(i*8+bit))
			}
		}
	}
	return out
}

// hasCode reports whether caps advertise code for evType.
func (c deviceCaps) hasCode(evType, code uint16) bool {
	var list []uint16
	switch evType {
	case speedcurve.EV_REL:
		list = c.Rel
	case speedcurve.EV_KEY:
		list = c.Key
	case speedcurve.EV_MSC:
		list = c.Msc
	default:
		return false
	}
	i := sort.Search(len(list), func(i int) bool { return list[i] >= code })
	return i < len(list) && list[i] == code
}
