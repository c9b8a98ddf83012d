package addressbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	book, err := Default()
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9"), book.Aave.LendingPool)
	assert.Equal(t, common.HexToAddress("0x057835Ad21a177dbdd3090bB1CAE03EaCF78Fc6d"), book.Aave.DataProvider)
	assert.Equal(t, []string{"DAI", "LINK", "WETH", "sUSD"}, book.Symbols())

	dai, err := book.Token("dai")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), dai)

	holder, err := book.Holder("WETH")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2F0b23f53734252Bda2277357e97e1517d6B042A"), holder)

	_, err = book.Holder("sUSD")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestResolveAddress(t *testing.T) {
	book, err := Default()
	require.NoError(t, err)

	addr, err := book.ResolveAddress("hardhat1")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), addr)

	addr, err = book.ResolveAddress("0x000000000000000000000000000000000000dEaD")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xdead"), addr)

	_, err = book.ResolveAddress("nobody")
	assert.ErrorIs(t, err, ErrUnknown)
	assert.ErrorContains(t, err, `no user configured for "nobody"`)
}

func TestParseRejectsBadAddress(t *testing.T) {
	_, err := Parse([]byte(`
aave:
  lendingPool: "0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9"
  dataProvider: "0x057835Ad21a177dbdd3090bB1CAE03EaCF78Fc6d"
tokens:
  DAI: "not-an-address"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokens.DAI")

	_, err = Parse([]byte("aave: {}\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
aave:
  lendingPool: "0x0000000000000000000000000000000000000001"
  dataProvider: "0x0000000000000000000000000000000000000002"
tokens:
  USDC: "0x0000000000000000000000000000000000000003"
`), 0o644))

	book, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x1"), book.Aave.LendingPool)
	assert.Equal(t, []string{"USDC"}, book.Symbols())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	def, err := Load("")
	require.NoError(t, err)
	assert.Len(t, def.Symbols(), 4)
}
