// Package signing validates order authenticity and structural correctness.
// Verification is pure: no side effects, no I/O.
package signing

import (
	"crypto/ecdsa"
	"encoding/binary"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	pkgerrors "github.com/forecastex/forecastex/pkg/errors"

	"github.com/forecastex/forecastex/internal/models"
)

// Verifier checks signed orders before they reach the collateral guard.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// OrderDigest computes the canonical keccak256 digest an order is signed
// over. Mutable fields (status, filled quantity, sequence) are excluded.
func OrderDigest(o *models.Order) []byte {
	var buf []byte
	buf = append(buf, o.ID[:]...)
	buf = append(buf, []byte(o.MarketID)...)
	buf = append(buf, []byte(o.Maker)...)
	buf = append(buf, []byte(o.Side)...)
	buf = appendInt64(buf, o.PriceTicks)
	buf = appendInt64(buf, o.Quantity)
	buf = append(buf, []byte(o.TimeInForce)...)
	buf = appendInt64(buf, o.ExpiresAt.Unix())
	buf = appendInt64(buf, int64(o.Nonce))
	buf = appendInt64(buf, o.MaxCollateral)
	return crypto.Keccak256(buf)
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

// Sign signs the order's canonical digest with the given key and returns
// the 65-byte [R || S || V] signature. Used by clients and tests.
func Sign(o *models.Order, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(OrderDigest(o), key)
}

// Verify checks, in order: signature recovery to the maker address, price
// bounds, quantity, expiry, and the declared collateral cap. Returns a
// kinded error on the first failure.
func (v *Verifier) Verify(o *models.Order, now time.Time) error {
	if len(o.Signature) != crypto.SignatureLength {
		return pkgerrors.New(pkgerrors.KindInvalidSignature, "signature must be 65 bytes")
	}
	pub, err := crypto.SigToPub(OrderDigest(o), o.Signature)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.KindInvalidSignature, "signature recovery failed")
	}
	recovered := crypto.PubkeyToAddress(*pub).Hex()
	if !strings.EqualFold(recovered, o.Maker) {
		return pkgerrors.Newf(pkgerrors.KindInvalidSignature,
			"signature recovers to %s, not maker %s", recovered, o.Maker)
	}

	if o.PriceTicks < models.MinPriceTicks || o.PriceTicks > models.MaxPriceTicks {
		return pkgerrors.Newf(pkgerrors.KindInvalidPrice,
			"priceTicks %d outside [%d,%d]", o.PriceTicks, models.MinPriceTicks, models.MaxPriceTicks)
	}
	if o.Quantity <= 0 {
		return pkgerrors.Newf(pkgerrors.KindInvalidQuantity, "qty %d must be positive", o.Quantity)
	}
	if !o.ExpiresAt.After(now) {
		return pkgerrors.New(pkgerrors.KindExpired, "order expiry is not in the future")
	}

	required := models.RequiredCollateralTicks(o.Side, o.PriceTicks, o.Quantity)
	if o.MaxCollateral < required {
		return pkgerrors.Newf(pkgerrors.KindInsufficientCollateralSpecified,
			"maxCollateral %d below required %d ticks", o.MaxCollateral, required)
	}
	return nil
}
