package erc8004

/*
Файл client.go — узкий читающий клиент трех реестров ERC-8004:

	Identity   → ownerOf(uint256)                          кто владеет агентом
	Reputation → getSummary(uint256,address[],string,string) агрегат фидбэка
	Badge      → isOperative(address)                      спец-статус
	Staking    → stakes(address)                           уровень стейкинга

Все вызовы — eth_call без состояния. Селекторы считаются из сигнатур
через Keccak-256, аргументы пакуются вручную: наши вызовы достаточно
просты, чтобы не тянуть сюда полный ABI-кодек.
*/

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// ContractCaller — то, что нам нужно от ethclient.Client.
// Отдельный интерфейс, чтобы тесты могли подставить фейковый RPC.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Addresses — адреса контрактов, с которыми работает клиент.
type Addresses struct {
	IdentityRegistry   common.Address
	ReputationRegistry common.Address
	BadgeContract      common.Address
	StakingContract    common.Address
}

type Client struct {
	caller ContractCaller
	addrs  Addresses
}

func NewClient(caller ContractCaller, addrs Addresses) *Client {
	return &Client{caller: caller, addrs: addrs}
}

// Селекторы методов (первые 4 байта Keccak-256 от сигнатуры).
var (
	selOwnerOf     = selector("ownerOf(uint256)")
	selGetSummary  = selector("getSummary(uint256,address[],string,string)")
	selIsOperative = selector("isOperative(address)")
	selStakes      = selector("stakes(address)")
)

func selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// OwnerOf возвращает текущего владельца agent ID в Identity Registry.
// Ошибка означает либо незарегистрированный ID (ревертит ERC-721),
// либо недоступность реестра — вызывающий их сознательно не различает.
func (c *Client) OwnerOf(ctx context.Context, agentID *big.Int) (common.Address, error) {
	data := append(append([]byte(nil), selOwnerOf...), leftPadBig(agentID)...)
	ret, err := c.call(ctx, c.addrs.IdentityRegistry, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("identity registry ownerOf: %w", err)
	}
	if len(ret) < 32 {
		return common.Address{}, fmt.Errorf("identity registry ownerOf: short return (%d bytes)", len(ret))
	}
	return common.BytesToAddress(ret[12:32]), nil
}

// ReputationSummary — агрегированный сигнал репутации агента.
// Фильтры (клиенты/теги) не передаем: берем полный агрегат, как и
// остальная экосистема реестра.
func (c *Client) ReputationSummary(ctx context.Context, agentID *big.Int) (count uint64, value *big.Int, decimals uint8, err error) {
	// Head: uint256 agentId + три оффсета на динамические хвосты
	data := append([]byte(nil), selGetSummary...)
	data = append(data, leftPadBig(agentID)...)
	data = append(data, leftPadUint(4*32)...) // address[] -> сразу после head
	data = append(data, leftPadUint(5*32)...) // string tag1
	data = append(data, leftPadUint(6*32)...) // string tag2
	// Tail: три пустых динамических значения (len=0)
	for i := 0; i < 3; i++ {
		data = append(data, leftPadUint(0)...)
	}

	ret, err := c.call(ctx, c.addrs.ReputationRegistry, data)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("reputation registry getSummary: %w", err)
	}
	if len(ret) < 3*32 {
		return 0, nil, 0, fmt.Errorf("reputation registry getSummary: short return (%d bytes)", len(ret))
	}

	count = new(big.Int).SetBytes(ret[0:32]).Uint64()
	value = twosComplement(ret[32:64]) // int128 приходит знаковым
	decimals = uint8(new(big.Int).SetBytes(ret[64:96]).Uint64())
	return count, value, decimals, nil
}

// IsOperative — держит ли кошелек действующий operative-бейдж.
func (c *Client) IsOperative(ctx context.Context, wallet common.Address) (bool, error) {
	data := append(append([]byte(nil), selIsOperative...), leftPadAddress(wallet)...)
	ret, err := c.call(ctx, c.addrs.BadgeContract, data)
	if err != nil {
		return false, fmt.Errorf("badge contract isOperative: %w", err)
	}
	if len(ret) < 32 {
		return false, fmt.Errorf("badge contract isOperative: short return (%d bytes)", len(ret))
	}
	return ret[31] != 0, nil
}

// StakeTier возвращает уровень стейкинга кошелька (0 = нет стейка).
// Из десяти полей структуры stakes нас интересует только второе (tier).
func (c *Client) StakeTier(ctx context.Context, wallet common.Address) (int, error) {
	data := append(append([]byte(nil), selStakes...), leftPadAddress(wallet)...)
	ret, err := c.call(ctx, c.addrs.StakingContract, data)
	if err != nil {
		return 0, fmt.Errorf("staking contract stakes: %w", err)
	}
	if len(ret) < 2*32 {
		return 0, fmt.Errorf("staking contract stakes: short return (%d bytes)", len(ret))
	}
	return int(new(big.Int).SetBytes(ret[32:64]).Uint64()), nil
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// --- ABI-паддинг ---

func leftPadBig(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

func leftPadUint(v uint64) []byte {
	return leftPadBig(new(big.Int).SetUint64(v))
}

func leftPadAddress(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

// twosComplement интерпретирует 32-байтовое слово как знаковое int256.
func twosComplement(word []byte) *big.Int {
	v := new(big.Int).SetBytes(word)
	if word[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return v
}
