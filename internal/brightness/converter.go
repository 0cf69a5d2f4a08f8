// SPDX-License-Identifier: GPL-3.0-only

package brightness

import "math"

// ToPercent converts a raw VCP value to a percentage (0-100) of maxValue.
// Values above maxValue are clamped before conversion. A zero maximum yields 0.
// Uses rounding to ensure round-trip consistency with FromPercent.
func ToPercent(value, maxValue uint16) uint8 {
	if maxValue == 0 {
		return 0
	}
	value = Clamp(int32(value), maxValue)
	percent := float64(value) / float64(maxValue) * 100
	return uint8(math.Round(percent))
}

// FromPercent converts a percentage (0-100) to a raw VCP value on a scale of
// maxValue. Percentages above 100 are treated as 100%.
func FromPercent(percent uint8, maxValue uint16) uint16 {
	if percent > 100 {
		percent = 100
	}
	value := math.Round(float64(percent) * float64(maxValue) / 100)
	return Clamp(int32(value), maxValue)
}

// Clamp bounds value to [0, maxValue].
func Clamp(value int32, maxValue uint16) uint16 {
	if value < 0 {
		return 0
	}
	if value > int32(maxValue) {
		return maxValue
	}
	return uint16(value)
}
