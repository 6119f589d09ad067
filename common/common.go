// Package common holds small cross-cutting helpers shared by every layer
// of the index subsystem, in the spirit of turbo-geth's common package:
// a handful of byte-slice and cancellation helpers with no dependencies
// of their own.
package common

import "errors"

// ErrStopped is returned by Stopped when quit has been closed.
var ErrStopped = errors.New("stopped")

// Stopped reports whether quit has been closed, the same contract
// eth/stagedsync/stage_log_index.go relies on at every scan/drain
// checkpoint.
func Stopped(quit <-chan struct{}) error {
	if quit == nil {
		return nil
	}
	select {
	case <-quit:
		return ErrStopped
	default:
		return nil
	}
}

// CopyBytes returns an independent copy of b, the same defensive-copy
// idiom used throughout ethdb/bitmapdb and ethdb/memory_database.go before
// handing a byte slice to a long-lived map or to storage.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// StorageSize mirrors common.StorageSize: a byte count that renders with a
// human unit, used in progress log lines.
type StorageSize float64

func (s StorageSize) String() string {
	switch {
	case s > 1099511627776:
		return fmt10(float64(s)/1099511627776) + " TiB"
	case s > 1073741824:
		return fmt10(float64(s)/1073741824) + " GiB"
	case s > 1048576:
		return fmt10(float64(s)/1048576) + " MiB"
	case s > 1024:
		return fmt10(float64(s)/1024) + " KiB"
	default:
		return fmt10(float64(s)) + " B"
	}
}

func fmt10(f float64) string {
	const digits = "0123456789"
	whole := int64(f)
	frac := int64((f - float64(whole)) * 100)
	if frac < 0 {
		frac = -frac
	}
	out := itoa(whole)
	out += "."
	d0 := frac / 10
	d1 := frac % 10
	out += string(digits[d0]) + string(digits[d1])
	return out
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
