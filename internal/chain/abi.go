package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract interfaces the adapter talks to. Order book prices are quote raw
// units per whole base unit; sizes are base raw units.
const (
	erc20JSON = `[
{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

	factoryJSON = `[
{"type":"function","name":"allPairsLength","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allPairs","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

	pairJSON = `[
{"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"token1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],"outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
{"type":"event","name":"Swap","anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0In","type":"uint256"},{"indexed":false,"name":"amount1In","type":"uint256"},{"indexed":false,"name":"amount0Out","type":"uint256"},{"indexed":false,"name":"amount1Out","type":"uint256"},{"indexed":true,"name":"to","type":"address"}]},
{"type":"event","name":"Sync","anonymous":false,"inputs":[{"indexed":false,"name":"reserve0","type":"uint112"},{"indexed":false,"name":"reserve1","type":"uint112"}]}
]`

	clPoolJSON = `[
{"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"token1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"fee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint24"}]},
{"type":"function","name":"tickSpacing","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"int24"}]},
{"type":"function","name":"liquidity","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint128"}]},
{"type":"function","name":"slot0","stateMutability":"view","inputs":[],"outputs":[{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"},{"name":"observationIndex","type":"uint16"},{"name":"observationCardinality","type":"uint16"},{"name":"observationCardinalityNext","type":"uint16"},{"name":"feeProtocol","type":"uint8"},{"name":"unlocked","type":"bool"}]},
{"type":"event","name":"Swap","anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"recipient","type":"address"},{"indexed":false,"name":"amount0","type":"int256"},{"indexed":false,"name":"amount1","type":"int256"},{"indexed":false,"name":"sqrtPriceX96","type":"uint160"},{"indexed":false,"name":"liquidity","type":"uint128"},{"indexed":false,"name":"tick","type":"int24"}]}
]`

	clobJSON = `[
{"type":"function","name":"baseToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"quoteToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"takerFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint24"}]},
{"type":"function","name":"getLevels","stateMutability":"view","inputs":[{"name":"depth","type":"uint8"}],"outputs":[{"name":"bidPrices","type":"uint256[]"},{"name":"bidSizes","type":"uint256[]"},{"name":"askPrices","type":"uint256[]"},{"name":"askSizes","type":"uint256[]"}]},
{"type":"function","name":"placeOrder","stateMutability":"nonpayable","inputs":[{"name":"isBuy","type":"bool"},{"name":"price","type":"uint256"},{"name":"size","type":"uint256"}],"outputs":[{"name":"orderId","type":"uint256"}]},
{"type":"function","name":"cancelOrder","stateMutability":"nonpayable","inputs":[{"name":"orderId","type":"uint256"}],"outputs":[]},
{"type":"event","name":"LevelUpdated","anonymous":false,"inputs":[{"indexed":false,"name":"isBid","type":"bool"},{"indexed":false,"name":"price","type":"uint256"},{"indexed":false,"name":"size","type":"uint256"}]},
{"type":"event","name":"Trade","anonymous":false,"inputs":[{"indexed":true,"name":"taker","type":"address"},{"indexed":true,"name":"orderId","type":"uint256"},{"indexed":false,"name":"isBuy","type":"bool"},{"indexed":false,"name":"price","type":"uint256"},{"indexed":false,"name":"size","type":"uint256"}]},
{"type":"event","name":"OrderPlaced","anonymous":false,"inputs":[{"indexed":true,"name":"orderId","type":"uint256"},{"indexed":true,"name":"owner","type":"address"},{"indexed":false,"name":"isBuy","type":"bool"},{"indexed":false,"name":"price","type":"uint256"},{"indexed":false,"name":"size","type":"uint256"}]},
{"type":"event","name":"OrderCanceled","anonymous":false,"inputs":[{"indexed":true,"name":"orderId","type":"uint256"},{"indexed":true,"name":"owner","type":"address"}]}
]`

	routerJSON = `[
{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

	clRouterJSON = `[
{"type":"function","name":"exactInputSingle","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"deadline","type":"uint256"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],"outputs":[{"name":"amountOut","type":"uint256"}]}
]`
)

var (
	erc20ABI    = mustABI(erc20JSON)
	factoryABI  = mustABI(factoryJSON)
	pairABI     = mustABI(pairJSON)
	clPoolABI   = mustABI(clPoolJSON)
	clobABI     = mustABI(clobJSON)
	routerABI   = mustABI(routerJSON)
	clRouterABI = mustABI(clRouterJSON)
)

// Event signatures.
var (
	TopicV2Swap        = pairABI.Events["Swap"].ID
	TopicV2Sync        = pairABI.Events["Sync"].ID
	TopicV3Swap        = clPoolABI.Events["Swap"].ID
	TopicLevelUpdated  = clobABI.Events["LevelUpdated"].ID
	TopicBookTrade     = clobABI.Events["Trade"].ID
	TopicOrderPlaced   = clobABI.Events["OrderPlaced"].ID
	TopicOrderCanceled = clobABI.Events["OrderCanceled"].ID
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ExactInputSingleParams mirrors the concentrated-liquidity router tuple.
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

func PackSwapExactTokensForTokens(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	return routerABI.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, to, deadline)
}

func PackExactInputSingle(params ExactInputSingleParams) ([]byte, error) {
	return clRouterABI.Pack("exactInputSingle", params)
}

func PackPlaceOrder(isBuy bool, price, size *big.Int) ([]byte, error) {
	return clobABI.Pack("placeOrder", isBuy, price, size)
}

func PackCancelOrder(orderID *big.Int) ([]byte, error) {
	return clobABI.Pack("cancelOrder", orderID)
}
