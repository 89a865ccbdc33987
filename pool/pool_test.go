package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/pool"
)

func signedOp(t *testing.T, startPeriod, validityPeriods uint64) *models.Operation {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	op, err := models.NewOperation(models.OpTransfer, 1, 10, startPeriod, validityPeriods, models.TransferPayload{To: "x", Amount: 5})
	require.NoError(t, err)
	op.Sign(priv)
	return op
}

func TestPoolAddAndGet(t *testing.T) {
	p := pool.New()
	op := signedOp(t, 0, 10)

	require.NoError(t, p.Add(op, 0))
	got, ok := p.Get(op.ID)
	require.True(t, ok)
	require.Equal(t, op.ID, got.ID)
	require.Equal(t, 1, p.Size())
}

func TestPoolRejectsDuplicate(t *testing.T) {
	p := pool.New()
	op := signedOp(t, 0, 10)

	require.NoError(t, p.Add(op, 0))
	err := p.Add(op, 0)
	require.Error(t, err)
}

func TestPoolRejectsBadSignature(t *testing.T) {
	p := pool.New()
	op := signedOp(t, 0, 10)
	op.Signature = "not a real signature"

	err := p.Add(op, 0)
	require.Error(t, err)
}

func TestPoolRejectsExpiredValidityWindow(t *testing.T) {
	p := pool.New()
	op := signedOp(t, 0, 5) // valid through period 5

	err := p.Add(op, 10)
	require.Error(t, err)
}

func TestPoolPendingFiltersByPeriodAndOrder(t *testing.T) {
	p := pool.New()
	opA := signedOp(t, 0, 10)
	opB := signedOp(t, 20, 10)

	require.NoError(t, p.Add(opA, 0))
	require.NoError(t, p.Add(opB, 0))

	pending := p.Pending(5, 10)
	require.Len(t, pending, 1)
	require.Equal(t, opA.ID, pending[0].ID)
}

func TestPoolRemove(t *testing.T) {
	p := pool.New()
	op := signedOp(t, 0, 10)
	require.NoError(t, p.Add(op, 0))

	p.Remove([]string{op.ID})
	_, ok := p.Get(op.ID)
	require.False(t, ok)
	require.Equal(t, 0, p.Size())
}
