// ABOUTME: Version information for flipstamp binaries
// ABOUTME: Reported in logs, protocol hellos, and the TUI
package version

const (
	Version      = "0.3.0"
	Product      = "Flipstamp"
	Manufacturer = "Flipstamp"
)

// String combines product and version.
func String() string {
	return Product + " " + Version
}
