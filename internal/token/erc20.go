package token

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"X402-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// 本系统消费的链上 ABI 面是固定的：ERC-20 的 transfer/balanceOf/decimals
// 与 Transfer 事件，加上 EIP-3009 的 transferWithAuthorization。
const contractABIJSON = `[
	{
		"name": "transfer",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"name": "balanceOf",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "decimals",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"name": "transferWithAuthorization",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": []
	},
	{
		"name": "Transfer",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		]
	}
]`

var (
	parseOnce sync.Once
	parsedABI abi.ABI
	parseErr  error
)

// TransferTopic 是 Transfer(address,address,uint256) 事件的 topic0。
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func contractABI() (abi.ABI, error) {
	parseOnce.Do(func() {
		parsedABI, parseErr = abi.JSON(strings.NewReader(contractABIJSON))
	})
	return parsedABI, parseErr
}

// PackTransfer 构造 transfer(to, value) 的调用数据。
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	parsed, err := contractABI()
	if err != nil {
		return nil, fmt.Errorf("解析代币 ABI 失败: %w", err)
	}
	return parsed.Pack("transfer", to, value)
}

// PackTransferWithAuthorization 构造 EIP-3009 授权兑付的调用数据。
func PackTransferWithAuthorization(
	from, to common.Address,
	value, validAfter, validBefore *big.Int,
	nonce [32]byte,
	v uint8,
	r, s [32]byte,
) ([]byte, error) {
	parsed, err := contractABI()
	if err != nil {
		return nil, fmt.Errorf("解析代币 ABI 失败: %w", err)
	}
	return parsed.Pack("transferWithAuthorization", from, to, value, validAfter, validBefore, nonce, v, r, s)
}

// PackBalanceOf 构造 balanceOf(account) 的调用数据。
func PackBalanceOf(account common.Address) ([]byte, error) {
	parsed, err := contractABI()
	if err != nil {
		return nil, fmt.Errorf("解析代币 ABI 失败: %w", err)
	}
	return parsed.Pack("balanceOf", account)
}

// Decimals 查询代币的小数位数。结果在进程内按合约地址缓存，
// 因为 decimals 在合约生命周期内不会变化。
func Decimals(ctx context.Context, client web3.Client, tokenAddr common.Address) (int32, error) {
	decimalsMu.RLock()
	if cached, ok := decimalsCache[tokenAddr]; ok {
		decimalsMu.RUnlock()
		return cached, nil
	}
	decimalsMu.RUnlock()

	parsed, err := contractABI()
	if err != nil {
		return 0, fmt.Errorf("解析代币 ABI 失败: %w", err)
	}
	data, err := parsed.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("构造 decimals 调用失败: %w", err)
	}

	result, err := client.CallContract(ctx, tokenAddr, data)
	if err != nil {
		return 0, fmt.Errorf("查询代币精度失败: %w", err)
	}
	if len(result) != 32 {
		return 0, fmt.Errorf("decimals 返回了 %d 字节，期望 32 字节", len(result))
	}
	value := new(big.Int).SetBytes(result)
	if !value.IsInt64() || value.Int64() < 0 || value.Int64() > 77 {
		return 0, fmt.Errorf("decimals 返回了非法值 %s", value)
	}

	decimals := int32(value.Int64())
	decimalsMu.Lock()
	decimalsCache[tokenAddr] = decimals
	decimalsMu.Unlock()
	return decimals, nil
}

// BalanceOf 查询账户的代币余额。
func BalanceOf(ctx context.Context, client web3.Client, tokenAddr, account common.Address) (*big.Int, error) {
	data, err := PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	result, err := client.CallContract(ctx, tokenAddr, data)
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	if len(result) != 32 {
		return nil, fmt.Errorf("balanceOf 返回了 %d 字节，期望 32 字节", len(result))
	}
	return new(big.Int).SetBytes(result), nil
}

var (
	decimalsMu    sync.RWMutex
	decimalsCache = make(map[common.Address]int32)
)
