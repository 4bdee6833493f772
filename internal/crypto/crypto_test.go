package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

const (
	keyA = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	keyB = "0x8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

func TestEncryptDecryptKeys(t *testing.T) {
	blob, err := EncryptKeys([]string{keyA, keyB}, "hunter2")
	require.NoError(t, err)

	keys, err := DecryptKeys(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, []string{keyA, keyB[2:]}, keys)

	_, err = DecryptKeys(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadKeysPrefersRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wallet.json")
	blob, err := EncryptKeys([]string{keyB}, "pw")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	keys, err := LoadKeys(KeyConfig{RawPrivateKeys: []string{"0x" + keyA}, EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, []string{keyA}, keys)

	keys, err = LoadKeys(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, []string{keyB[2:]}, keys)

	_, err = LoadKeys(KeyConfig{})
	assert.Error(t, err)
}

func TestKeyRingSignsForChain(t *testing.T) {
	kr, err := NewKeyRing([]string{keyA, keyB, keyA})
	require.NoError(t, err)
	require.Len(t, kr.Accounts(), 2)

	acct := kr.Accounts()[0]
	s, err := kr.Signer(acct)
	require.NoError(t, err)

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Gas: 21000, GasPrice: big.NewInt(1), Value: big.NewInt(0)})
	signed, err := s.SignTx(tx, 31337)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), signed)
	require.NoError(t, err)
	assert.Equal(t, acct, from)

	_, err = kr.Signer(common.HexToAddress("0x01"))
	assert.ErrorIs(t, err, domain.ErrUnknownAccount)
}
