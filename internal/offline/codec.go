package offline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/keyfortio/keyfort/internal/activation"
	apperrors "github.com/keyfortio/keyfort/internal/errors"
	"github.com/keyfortio/keyfort/internal/signer"
	"github.com/keyfortio/keyfort/internal/store"
)

// Defaults for the protocol time windows.
const (
	// DefaultRequestTTL bounds how long a generated-but-unsubmitted
	// request code stays valid, limiting the replay window.
	DefaultRequestTTL = 7 * 24 * time.Hour

	// DefaultProofTTL is the validity window of an issued proof,
	// independent of the license's own expiry.
	DefaultProofTTL = 365 * 24 * time.Hour
)

// Approver decides whether a decoded, integrity-checked request may be
// approved. The synchronous default approves everything that passed the
// license checks; a manual review queue can replace it without touching
// the wire format.
type Approver interface {
	Approve(ctx context.Context, req *RequestV1, lic *store.License) error
}

// AutoApprover approves every request that reached it.
type AutoApprover struct{}

// Approve implements Approver.
func (AutoApprover) Approve(context.Context, *RequestV1, *store.License) error { return nil }

// Codec is the server-side half of the offline protocol: it consumes
// request codes and issues signed response codes.
type Codec struct {
	store      store.Store
	signer     *signer.Signer
	approver   Approver
	metrics    *activation.Metrics
	logger     *slog.Logger
	requestTTL time.Duration
	proofTTL   time.Duration
	issuer     string
	now        func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithApprover replaces the automatic approval step.
func WithApprover(a Approver) CodecOption {
	return func(c *Codec) { c.approver = a }
}

// WithRequestTTL overrides the request submission window.
func WithRequestTTL(d time.Duration) CodecOption {
	return func(c *Codec) { c.requestTTL = d }
}

// WithProofTTL overrides the proof validity window.
func WithProofTTL(d time.Duration) CodecOption {
	return func(c *Codec) { c.proofTTL = d }
}

// WithMetrics attaches submission metrics.
func WithMetrics(m *activation.Metrics) CodecOption {
	return func(c *Codec) { c.metrics = m }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) { c.now = now }
}

// NewCodec creates the server-side codec. sg must hold the RSA private
// key; issuer names this server in issued proofs.
func NewCodec(st store.Store, sg *signer.Signer, issuer string, logger *slog.Logger, opts ...CodecOption) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Codec{
		store:      st,
		signer:     sg,
		approver:   AutoApprover{},
		logger:     logger.With(slog.String("component", "offline-codec")),
		requestTTL: DefaultRequestTTL,
		proofTTL:   DefaultProofTTL,
		issuer:     issuer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitRequestCode decodes and verifies a request code, applies the
// license checks, and on approval returns the signed response code. The
// license's legacy single-device binding, last-seen and revision are
// updated in the same transaction.
func (c *Codec) SubmitRequestCode(ctx context.Context, code string) (string, error) {
	responseCode, err := c.submit(ctx, code)
	c.recordOutcome(ctx, err)
	return responseCode, err
}

func (c *Codec) submit(ctx context.Context, code string) (string, error) {
	var req RequestV1
	if err := decode(code, RequestTagV1, &req); err != nil {
		return "", err
	}
	now := c.now().UTC()

	// Integrity before anything touches the store.
	if req.Checksum != signer.Checksum(req.checksumPayload()) {
		c.logger.WarnContext(ctx, "request code checksum mismatch",
			slog.String("license_key", req.LicenseKey),
			slog.String("machine_name", req.MachineName),
		)
		return "", apperrors.ErrTampered
	}

	issued := time.Unix(req.Timestamp, 0)
	if now.Sub(issued) > c.requestTTL {
		c.logger.InfoContext(ctx, "request code past submission window",
			slog.String("license_key", req.LicenseKey),
			slog.Time("issued_at", issued.UTC()),
			slog.Duration("window", c.requestTTL),
		)
		return "", apperrors.ErrRequestExpired
	}

	var responseCode string
	err := c.store.WithTx(ctx, func(tx store.Store) error {
		lic, err := tx.FindLicense(ctx, req.LicenseKey)
		if err != nil {
			return apperrors.Transient(err)
		}
		if lic == nil {
			return apperrors.ErrNotFound
		}

		switch {
		case lic.Status == store.StatusRevoked:
			return apperrors.ErrRevoked
		case lic.Status == store.StatusExpired:
			return apperrors.ErrExpired
		case lic.IsExpired(now):
			lic.Status = store.StatusExpired
			if err := tx.UpdateLicense(ctx, lic); err != nil {
				return apperrors.Transient(err)
			}
			return apperrors.ErrExpired
		}

		if lic.HWID != nil && *lic.HWID != "" && *lic.HWID != req.HWID {
			return apperrors.ErrAlreadyBoundElsewhere
		}

		if err := c.approver.Approve(ctx, &req, lic); err != nil {
			return err
		}

		resp := ResponseV1{
			LicenseKey:          lic.LicenseKey,
			HardwareFingerprint: signer.Checksum(req.HWID),
			Edition:             lic.Edition,
			IssuedAt:            now.Unix(),
			ExpiresAt:           now.Add(c.proofTTL).Unix(),
			Issuer:              c.issuer,
		}
		if lic.ExpiryDate != nil {
			resp.ExpiryDate = lic.ExpiryDate.Unix()
		}

		sig, err := c.signer.SignRSA(resp.signingPayload())
		if err != nil {
			return apperrors.Transient(err)
		}
		resp.Signature = sig

		hwid := req.HWID
		lic.HWID = &hwid
		lic.LastSeen = &now
		if err := tx.UpdateLicense(ctx, lic); err != nil {
			return apperrors.Transient(err)
		}

		responseCode, err = encode(ResponseTagV1, &resp)
		return err
	})
	if err != nil {
		return "", err
	}

	c.logger.InfoContext(ctx, "offline request approved",
		slog.String("license_key", req.LicenseKey),
		slog.String("machine_name", req.MachineName),
		slog.Duration("proof_ttl", c.proofTTL),
	)
	return responseCode, nil
}

func (c *Codec) recordOutcome(ctx context.Context, err error) {
	outcome := "approved"
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrTampered):
		outcome = "tampered"
	case errors.Is(err, apperrors.ErrRequestExpired):
		outcome = "request_expired"
	case errors.Is(err, apperrors.ErrBadFormat):
		outcome = "bad_format"
	case errors.Is(err, apperrors.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, apperrors.ErrRevoked):
		outcome = "revoked"
	case errors.Is(err, apperrors.ErrExpired):
		outcome = "expired"
	case errors.Is(err, apperrors.ErrAlreadyBoundElsewhere):
		outcome = "already_bound"
	case errors.Is(err, apperrors.ErrTransient):
		outcome = "transient"
	default:
		outcome = "rejected"
	}
	c.metrics.RecordOfflineSubmission(ctx, outcome)
}
