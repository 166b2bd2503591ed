// Package ucs2 encodes strings into the 4-hex-digit-per-codepoint form
// some modems require for non-ASCII authentication strings when the TE
// character set is switched to UCS-2.
package ucs2

import (
	"fmt"
	"strconv"
)

// Encode renders s as a sequence of 4 lowercase hex digits per UTF-16
// code unit, the format expected after "AT+CSCS=\"UCS2\"".
func Encode(s string) string {
	out := make([]byte, 0, len(s)*4)
	for _, r := range s {
		units := utf16Units(r)
		for _, u := range units {
			out = append(out, []byte(fmt.Sprintf("%04x", u))...)
		}
	}
	return string(out)
}

// Decode reverses Encode, recovering the original string from its
// 4-hex-digit-per-codepoint UCS-2 encoding.
func Decode(s string) (string, error) {
	if len(s)%4 != 0 {
		return "", fmt.Errorf("ucs2: malformed encoding length %d", len(s))
	}
	units := make([]uint16, 0, len(s)/4)
	for i := 0; i < len(s); i += 4 {
		v, err := strconv.ParseUint(s[i:i+4], 16, 16)
		if err != nil {
			return "", fmt.Errorf("ucs2: malformed code unit %q: %w", s[i:i+4], err)
		}
		units = append(units, uint16(v))
	}
	return decodeUTF16(units), nil
}

// utf16Units returns the UTF-16 code units for a rune: one for runes in
// the BMP, a surrogate pair for runes above it.
func utf16Units(r rune) []uint16 {
	const (
		surr1 = 0xd800
		surr2 = 0xdc00
		surr3 = 0xe000
		surrSelf = 0x10000
	)
	if r < surrSelf {
		return []uint16{uint16(r)}
	}
	r -= surrSelf
	return []uint16{
		uint16(surr1 + (r>>10)&0x3ff),
		uint16(surr2 + r&0x3ff),
	}
}

func decodeUTF16(units []uint16) string {
	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xd800 && u < 0xdc00 && i+1 < len(units) {
			u2 := units[i+1]
			if u2 >= 0xdc00 && u2 < 0xe000 {
				r := rune(0x10000 + (int(u)-0xd800)<<10 + (int(u2) - 0xdc00))
				runes = append(runes, r)
				i++
				continue
			}
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}
