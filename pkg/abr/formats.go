package abr

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidFormats is returned when a ladder is empty or not strictly
// descending by bitrate.
var ErrInvalidFormats = errors.New("invalid format ladder")

// ValidateFormats checks the ladder preconditions every selector relies on:
// non-empty and strictly descending by bitrate.
func ValidateFormats(formats []Format) error {
	if len(formats) == 0 {
		return fmt.Errorf("%w: ladder is empty", ErrInvalidFormats)
	}
	for i := 1; i < len(formats); i++ {
		if formats[i].Bitrate >= formats[i-1].Bitrate {
			return fmt.Errorf("%w: format %d (%d bps) is not below format %d (%d bps)",
				ErrInvalidFormats, i, formats[i].Bitrate, i-1, formats[i-1].Bitrate)
		}
	}
	return nil
}

// SortFormats orders formats by descending bitrate in place.
func SortFormats(formats []Format) {
	sort.SliceStable(formats, func(i, j int) bool {
		return formats[i].Bitrate > formats[j].Bitrate
	})
}

// IndexOfBitrate returns the ladder index of the format with the given
// bitrate, or -1.
func IndexOfBitrate(formats []Format, bitrate int64) int {
	for i := range formats {
		if formats[i].Bitrate == bitrate {
			return i
		}
	}
	return -1
}

// idealForBitrate returns the highest format whose bitrate fits within
// effectiveBitrate, or the lowest format when none does.
func idealForBitrate(formats []Format, effectiveBitrate int64) *Format {
	for i := range formats {
		if formats[i].Bitrate <= effectiveBitrate {
			return &formats[i]
		}
	}
	return &formats[len(formats)-1]
}

// stepUp returns the next higher-bitrate rung above current, clamped to the
// top of the ladder.
func stepUp(formats []Format, current *Format) *Format {
	for i := len(formats) - 1; i >= 0; i-- {
		if formats[i].Bitrate > current.Bitrate {
			return &formats[i]
		}
	}
	return &formats[0]
}

// sameFormat compares two optional formats by identity.
func sameFormat(a, b *Format) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.SameAs(*b)
}
