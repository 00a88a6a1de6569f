// Package indicator drives the physical per-widget indicators (LEDs). The
// Driver interface keeps the acquisition loop testable without hardware;
// real implementations exist for Linux character-device GPIO and for RP2
// boards.
package indicator

// Driver sets one indicator per widget index.
type Driver interface {
	// Set drives the indicator for a widget. Called every cycle as a pure
	// function of the widget's active state.
	Set(widget int, on bool) error

	// Close releases the underlying lines.
	Close() error
}
