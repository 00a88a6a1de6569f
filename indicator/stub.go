//go:build !linux || rp2040 || rp2350

package indicator

import "captouch-go/errcode"

// NewLineDriver is unavailable off Linux; exists so callers compile
// everywhere.
func NewLineDriver(chip string, pins []int) (Driver, error) {
	return nil, &errcode.E{C: errcode.Unsupported, Op: "indicator.NewLineDriver", Msg: "gpio character device requires linux"}
}
