package signing

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/forecastex/forecastex/pkg/errors"

	"github.com/forecastex/forecastex/internal/models"
)

func signedOrder(t *testing.T) *models.Order {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	o := &models.Order{
		ID:            uuid.New(),
		MarketID:      "mkt-1",
		Maker:         crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Side:          models.SideBuy,
		PriceTicks:    55,
		Quantity:      10,
		TimeInForce:   models.TimeInForceGTC,
		ExpiresAt:     time.Now().Add(time.Hour),
		Nonce:         1,
		MaxCollateral: models.RequiredCollateralTicks(models.SideBuy, 55, 10),
	}
	o.Signature, err = Sign(o, key)
	require.NoError(t, err)
	return o
}

func TestVerifyValidOrder(t *testing.T) {
	v := NewVerifier()
	assert.NoError(t, v.Verify(signedOrder(t), time.Now()))
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	v := NewVerifier()
	o := signedOrder(t)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	o.Signature, err = Sign(o, other)
	require.NoError(t, err)

	err = v.Verify(o, time.Now())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindInvalidSignature, pkgerrors.KindOf(err))
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	v := NewVerifier()
	o := signedOrder(t)
	o.PriceTicks = 56 // digest no longer matches the signature

	err := v.Verify(o, time.Now())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindInvalidSignature, pkgerrors.KindOf(err))
}

func TestVerifyRejectsTruncatedSignature(t *testing.T) {
	v := NewVerifier()
	o := signedOrder(t)
	o.Signature = o.Signature[:64]

	err := v.Verify(o, time.Now())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindInvalidSignature, pkgerrors.KindOf(err))
}

func TestVerifyPriceBounds(t *testing.T) {
	v := NewVerifier()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	for _, price := range []int64{0, models.MaxPriceTicks + 1, models.PayoutTicks} {
		o := signedOrder(t)
		o.Maker = crypto.PubkeyToAddress(key.PublicKey).Hex()
		o.PriceTicks = price
		o.Signature, err = Sign(o, key)
		require.NoError(t, err)

		err = v.Verify(o, time.Now())
		require.Error(t, err, "price %d", price)
		assert.Equal(t, pkgerrors.KindInvalidPrice, pkgerrors.KindOf(err))
	}
}

func TestVerifyQuantityAndExpiry(t *testing.T) {
	v := NewVerifier()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	now := time.Now()

	o := signedOrder(t)
	o.Maker = crypto.PubkeyToAddress(key.PublicKey).Hex()
	o.Quantity = 0
	o.Signature, err = Sign(o, key)
	require.NoError(t, err)
	err = v.Verify(o, now)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindInvalidQuantity, pkgerrors.KindOf(err))

	o = signedOrder(t)
	o.Maker = crypto.PubkeyToAddress(key.PublicKey).Hex()
	o.ExpiresAt = now.Add(-time.Second)
	o.Signature, err = Sign(o, key)
	require.NoError(t, err)
	err = v.Verify(o, now)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindExpired, pkgerrors.KindOf(err))
}

func TestVerifyCollateralCap(t *testing.T) {
	v := NewVerifier()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	o := signedOrder(t)
	o.Maker = crypto.PubkeyToAddress(key.PublicKey).Hex()
	o.MaxCollateral = models.RequiredCollateralTicks(o.Side, o.PriceTicks, o.Quantity) - 1
	o.Signature, err = Sign(o, key)
	require.NoError(t, err)

	err = v.Verify(o, time.Now())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindInsufficientCollateralSpecified, pkgerrors.KindOf(err))
}

func TestRequiredCollateral(t *testing.T) {
	// BUY 10 @ 55 ticks: 55*10/100 ticks of cash.
	assert.Equal(t, int64(55), models.RequiredCollateralTicks(models.SideBuy, 55, 10))
	// SELL backs the complementary payout: (10000-55)*10/100 ticks.
	assert.Equal(t, int64(994), models.RequiredCollateralTicks(models.SideSell, 55, 10))
}
