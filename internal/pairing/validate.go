package pairing

import (
	"regexp"
	"strings"

	"github.com/pairgate/pairgate/internal/fault"
)

const (
	maxDeviceNameLength = 100
	maxDeviceIDLength   = 200
	minPairingIDLength  = 10
)

var (
	codePattern       = regexp.MustCompile(`^\d{6}$`)
	deviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9 \-_.]+$`)
)

// ValidateDeviceName rejects empty, oversized, or oddly-charactered device
// names before any state is touched.
func ValidateDeviceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fault.New(fault.Validation, "device name must not be empty")
	}
	if len(name) > maxDeviceNameLength {
		return fault.Newf(fault.Validation, "device name must be at most %d characters", maxDeviceNameLength)
	}
	if !deviceNamePattern.MatchString(name) {
		return fault.New(fault.Validation, "device name may only contain letters, digits, spaces, and -_. characters")
	}
	return nil
}

// ValidateDeviceID rejects empty or oversized device identifiers.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fault.New(fault.Validation, "device id must not be empty")
	}
	if len(id) > maxDeviceIDLength {
		return fault.Newf(fault.Validation, "device id must be at most %d characters", maxDeviceIDLength)
	}
	return nil
}

// ValidateCode checks the 6-digit pairing code format.
func ValidateCode(code string) error {
	if !codePattern.MatchString(code) {
		return fault.New(fault.Validation, "pairing code must be a 6-digit number")
	}
	return nil
}

// ValidatePairingID checks the opaque pairing session identifier shape.
func ValidatePairingID(id string) error {
	if len(id) < minPairingIDLength {
		return fault.New(fault.Validation, "invalid pairing id")
	}
	return nil
}
