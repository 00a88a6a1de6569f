package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Populate embeddedConfigs at build time (e.g. via code generation) or
// manually during development.
// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw JSON bytes for that device
// -----------------------------------------------------------------------------

// Two CSD buttons with one electrode each, tuned for the eval board overlay.
const cfgPicoTouch = `{
  "touch": {
    "poll_hz": 1000,
    "baseline_shift": 3,
    "max_raw": 65520,
    "diagnostics": true,
    "widgets": [
      {"name": "btn0", "sensors": 1, "on": 50, "off": 20, "noise": 40, "pin": 16},
      {"name": "btn1", "sensors": 1, "on": 50, "off": 20, "noise": 40, "pin": 17}
    ]
  },
  "heartbeat": {
    "interval": 5
  },
  "bridge": {
  }
}`

var embeddedConfigs = map[string][]byte{
	"pico-touch": []byte(cfgPicoTouch),
	"sim":        []byte(cfgPicoTouch),
}
