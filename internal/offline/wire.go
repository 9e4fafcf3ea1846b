// Package offline implements the air-gapped activation protocol: a
// client generates a request code with no network access, an operator
// submits it where the store and signing key live, and the resulting
// response code is validated back on the client using only the
// previously distributed public key.
//
// Wire format: an ASCII protocol tag followed by the unpadded URL-safe
// base64 of a JSON payload. The tag carries the version; old codes must
// stay decodable across redeploys, so new payload shapes get new tags and
// v1 never changes.
package offline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/keyfortio/keyfort/internal/errors"
	"github.com/keyfortio/keyfort/internal/signer"
)

// Protocol tags. Append-only: a new payload shape means a new tag.
const (
	RequestTagV1  = "KFREQ1-"
	ResponseTagV1 = "KFRESP1-"
)

// RequestV1 is the offline activation request payload. It exists only
// inside an encoded request code and is consumed exactly once on
// submission.
type RequestV1 struct {
	LicenseKey  string `json:"k"`
	HWID        string `json:"h"`
	MachineName string `json:"m"`
	OS          string `json:"o"`
	Timestamp   int64  `json:"t"` // unix seconds, issuance time
	Checksum    string `json:"c"` // binds the fields above
}

// checksumPayload is the pre-image bound by the request checksum. The
// checksum detects modification of the encoded code in transit; the
// request's actual authority is the license key, checked server-side.
func (r *RequestV1) checksumPayload() string {
	return fmt.Sprintf("%s|%s|%d", r.LicenseKey, r.HWID, r.Timestamp)
}

// ResponseV1 is the signed activation token payload carried by a
// response code.
type ResponseV1 struct {
	LicenseKey          string `json:"k"`
	HardwareFingerprint string `json:"h"` // unkeyed digest of the request hwid
	Edition             string `json:"e"`
	ExpiryDate          int64  `json:"x"` // unix seconds, 0 = perpetual
	IssuedAt            int64  `json:"i"` // unix seconds
	ExpiresAt           int64  `json:"v"` // unix seconds, proof staleness bound
	Issuer              string `json:"s"`
	Signature           string `json:"sig"` // RSA over signingPayload
}

// signingPayload is the canonical pre-image for the RSA signature: every
// non-signature field in fixed order. Any reordering or addition is a new
// wire version.
func (r *ResponseV1) signingPayload() string {
	return fmt.Sprintf("v1|%s|%s|%s|%d|%d|%d|%s",
		r.LicenseKey, r.HardwareFingerprint, r.Edition,
		r.ExpiryDate, r.IssuedAt, r.ExpiresAt, r.Issuer)
}

// Proof is the client-held outcome of a validated response code.
type Proof struct {
	LicenseKey string     `json:"license_key"`
	Edition    string     `json:"edition"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Issuer     string     `json:"issuer"`
}

func encode(tag string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return tag + base64.RawURLEncoding.EncodeToString(data), nil
}

func decode(code, tag string, payload interface{}) error {
	body, ok := strings.CutPrefix(strings.TrimSpace(code), tag)
	if !ok {
		return apperrors.ErrBadFormat
	}
	data, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return apperrors.ErrBadFormat
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return apperrors.ErrBadFormat
	}
	return nil
}

// GenerateRequestCode builds an offline request code on the client. No
// network or store access: everything the operator needs travels inside
// the code.
func GenerateRequestCode(licenseKey, hwid, machineName, osName string) (string, error) {
	return GenerateRequestCodeAt(licenseKey, hwid, machineName, osName, time.Now())
}

// GenerateRequestCodeAt is GenerateRequestCode with an explicit issuance
// time.
func GenerateRequestCodeAt(licenseKey, hwid, machineName, osName string, at time.Time) (string, error) {
	if licenseKey == "" || hwid == "" {
		return "", fmt.Errorf("license key and hwid are required")
	}
	req := RequestV1{
		LicenseKey:  licenseKey,
		HWID:        hwid,
		MachineName: machineName,
		OS:          osName,
		Timestamp:   at.Unix(),
	}
	req.Checksum = signer.Checksum(req.checksumPayload())
	return encode(RequestTagV1, &req)
}

// ValidateResponseCode verifies a response code fully offline and, on
// success, returns the activation proof. sg needs only the public key
// (signer.NewVerifier); no server round-trip occurs.
func ValidateResponseCode(code, currentHWID string, sg *signer.Signer) (*Proof, error) {
	return ValidateResponseCodeAt(code, currentHWID, sg, time.Now())
}

// ValidateResponseCodeAt is ValidateResponseCode with an explicit
// validation time.
func ValidateResponseCodeAt(code, currentHWID string, sg *signer.Signer, at time.Time) (*Proof, error) {
	var resp ResponseV1
	if err := decode(code, ResponseTagV1, &resp); err != nil {
		return nil, err
	}

	if err := sg.VerifyRSA(resp.signingPayload(), resp.Signature); err != nil {
		return nil, apperrors.ErrInvalidSignature
	}

	// The fingerprint may have been embedded as a digest or, by older
	// issuers, as the raw identifier; accept either representation.
	if resp.HardwareFingerprint != signer.Checksum(currentHWID) &&
		resp.HardwareFingerprint != currentHWID {
		return nil, apperrors.ErrWrongDevice
	}

	if at.Unix() > resp.ExpiresAt {
		return nil, apperrors.ErrProofExpired
	}

	proof := &Proof{
		LicenseKey: resp.LicenseKey,
		Edition:    resp.Edition,
		IssuedAt:   time.Unix(resp.IssuedAt, 0).UTC(),
		ExpiresAt:  time.Unix(resp.ExpiresAt, 0).UTC(),
		Issuer:     resp.Issuer,
	}
	if resp.ExpiryDate > 0 {
		t := time.Unix(resp.ExpiryDate, 0).UTC()
		proof.ExpiryDate = &t
	}
	return proof, nil
}
