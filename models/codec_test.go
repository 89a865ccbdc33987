package models_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/models"
)

func TestSlotRoundTrip(t *testing.T) {
	s := models.Slot{Period: 123456, Thread: 7}
	buf := models.EncodeSlot(nil, s)
	got, n, err := models.DecodeSlot(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, s, got)
}

func TestHeaderRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	parents := make([]models.Hash, 2)
	parents[0] = models.HashData([]byte("parent0"))
	parents[1] = models.HashData([]byte("parent1"))

	block := models.NewBlock(models.Slot{Period: 1, Thread: 0}, parents, nil, nil)
	block.Header.Sign(priv)

	buf := models.EncodeHeader(nil, block.Header)
	got, n, err := models.DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, block.Header.Creator, got.Creator)
	require.Equal(t, block.Header.Slot, got.Slot)
	require.Equal(t, block.Header.Parents, got.Parents)
	require.Equal(t, block.Header.Signature, got.Signature)
	require.NoError(t, got.Verify())
}

func TestBlockRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	parents := make([]models.Hash, 1)
	parents[0] = models.ZeroHash

	op, err := models.NewOperation(models.OpTransfer, 1, 1, 0, 10, models.TransferPayload{To: "x", Amount: 1})
	require.NoError(t, err)
	op.Sign(priv)

	block := models.NewBlock(models.Slot{Period: 0, Thread: 0}, parents, nil, []models.Operation{*op})
	block.Header.Sign(priv)

	buf := models.EncodeBlock(nil, *block)
	got, n, err := models.DecodeBlock(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Len(t, got.Operations, 1)
	require.Equal(t, op.ID, got.Operations[0].ID)
	require.NoError(t, got.VerifyIntegrity())
}

func TestHeaderVerifyFailsOnTamperedSlot(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	parents := make([]models.Hash, 1)
	parents[0] = models.ZeroHash
	block := models.NewBlock(models.Slot{Period: 5, Thread: 0}, parents, nil, nil)
	block.Header.Sign(priv)

	block.Header.Slot.Period = 999
	require.Error(t, block.Header.Verify())
}
