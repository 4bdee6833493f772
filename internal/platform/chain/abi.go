package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ManagerABI covers the margin/position manager methods the client uses.
const ManagerABI = `[
	{"type":"function","name":"userMargin","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"userTokenMargin","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"userPositionCount","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"positions","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"},{"name":"id","type":"uint256"}],
	 "outputs":[
		{"name":"positionType","type":"uint8"},
		{"name":"positionSize","type":"uint256"},
		{"name":"entryPrice","type":"uint256"},
		{"name":"leverage","type":"uint256"},
		{"name":"stopLossTakeProfit","type":"uint256"},
		{"name":"margin","type":"uint256"},
		{"name":"collateralToken","type":"address"},
		{"name":"open","type":"bool"},
		{"name":"realizedPnL","type":"int256"},
		{"name":"fees","type":"uint256"},
		{"name":"openedAt","type":"uint256"}]},
	{"type":"function","name":"supportedCollateralTokens","stateMutability":"view",
	 "inputs":[{"name":"token","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"depositMargin","stateMutability":"payable",
	 "inputs":[],"outputs":[]},
	{"type":"function","name":"depositMarginERC20","stateMutability":"nonpayable",
	 "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"openPosition","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"size","type":"uint256"},
		{"name":"leverage","type":"uint256"},
		{"name":"stopLossTakeProfit","type":"uint256"},
		{"name":"reduceOnly","type":"bool"},
		{"name":"positionType","type":"uint8"}],
	 "outputs":[]},
	{"type":"function","name":"closePosition","stateMutability":"nonpayable",
	 "inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdrawMargin","stateMutability":"nonpayable",
	 "inputs":[{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"}],
	 "outputs":[]}
]`

// TokenABI is the ERC20 subset used for collateral deposits.
const TokenABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

// PriceFeedABI exposes the mark price, scaled by 1e18.
const PriceFeedABI = `[
	{"type":"function","name":"getLatestPrice","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"int256"}]}
]`

var (
	managerABI   = mustParseABI(ManagerABI)
	tokenABI     = mustParseABI(TokenABI)
	priceFeedABI = mustParseABI(PriceFeedABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
