// Package powermode defines the device power posture that gates BLE
// duty-cycling and cover traffic.
package powermode

// Mode reflects battery level and user preference, driving BLE scan
// duty-cycle, advertising interval, connection limits, and cover traffic
// suppression.
type Mode int

const (
	Performance Mode = iota
	Balanced
	PowerSaver
	UltraLow
)

func (m Mode) String() string {
	switch m {
	case Performance:
		return "performance"
	case Balanced:
		return "balanced"
	case PowerSaver:
		return "power_saver"
	case UltraLow:
		return "ultra_low"
	default:
		return "unknown"
	}
}
