// Package fingerprint derives a stable hardware identifier from machine
// attributes. The identifier is a one-way digest, so raw serial numbers
// never leave the machine; partially populated attribute sets still
// produce a deterministic digest, trading uniqueness for availability.
package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// delimiter separates attribute fields in the digest pre-image. Fixed for
// the life of the v1 code formats; changing it invalidates every stored
// fingerprint.
const delimiter = "|"

// Attributes holds the hardware factors that feed a fingerprint. Every
// field is optional: some are unavailable on some platforms and the
// digest must still be computable.
type Attributes struct {
	CPUID       string `json:"cpu_id,omitempty"`
	MACAddress  string `json:"mac_address,omitempty"`
	BoardSerial string `json:"board_serial,omitempty"`
	DiskSerial  string `json:"disk_serial,omitempty"`
	MachineName string `json:"machine_name,omitempty"`
}

// Compute returns the fingerprint digest for the given attributes: the
// fields joined with a fixed delimiter, hashed with SHA-256 and encoded
// as unpadded URL-safe base64.
func Compute(a Attributes) string {
	parts := []string{
		normalize(a.CPUID),
		normalize(a.MACAddress),
		normalize(a.BoardSerial),
		normalize(a.DiskSerial),
		normalize(a.MachineName),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, delimiter)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// normalize lowercases and trims an attribute so cosmetic differences in
// how platforms report hardware identifiers do not change the digest.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MaskHWID returns a display-safe form of a raw hardware identifier,
// keeping only a short prefix and suffix. Raw identifiers are never
// surfaced in full through the API.
func MaskHWID(hwid string) string {
	const keep = 4
	if len(hwid) <= keep*2 {
		return strings.Repeat("*", len(hwid))
	}
	return hwid[:keep] + "..." + hwid[len(hwid)-keep:]
}
