package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"enclava/internal/domain"
)

// DatasetNFTMinted is the event signature for dataset token mints.
var DatasetNFTMinted = crypto.Keccak256Hash([]byte("DatasetNFTMinted(address,uint256,string)"))

// DatasetUsed is the event signature for a payment against a dataset token.
var DatasetUsed = crypto.Keccak256Hash([]byte("DatasetUsed(uint256,address,uint256)"))

// AmountClaimed is the event signature for an owner withdrawing accrued payments.
var AmountClaimed = crypto.Keccak256Hash([]byte("AmountClaimed(uint256,address,uint256)"))

const contractABI = `[
  {"type":"event","name":"DatasetNFTMinted","anonymous":false,"inputs":[
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"datasetId","type":"string","indexed":false}]},
  {"type":"event","name":"DatasetUsed","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"user","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"AmountClaimed","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]}
]`

// ContractABI is the parsed event interface of the dataset contract.
var ContractABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		panic(fmt.Sprintf("parse contract abi: %v", err))
	}
	for name, want := range map[string]common.Hash{
		"DatasetNFTMinted": DatasetNFTMinted,
		"DatasetUsed":      DatasetUsed,
		"AmountClaimed":    AmountClaimed,
	} {
		if parsed.Events[name].ID != want {
			panic(fmt.Sprintf("event %s id mismatch", name))
		}
	}
	return parsed
}

func unpackData(event string, data []byte) ([]any, bool) {
	values, err := ContractABI.Events[event].Inputs.NonIndexed().Unpack(data)
	if err != nil || len(values) != 1 {
		return nil, false
	}
	return values, true
}

func topicInt(h common.Hash) *big.Int {
	return new(uint256.Int).SetBytes32(h.Bytes()).ToBig()
}

func topicAddress(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes())
}

// DecodeMint decodes a DatasetNFTMinted log. ok is false for any other log.
func DecodeMint(l types.Log) (domain.MintEvent, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != DatasetNFTMinted {
		return domain.MintEvent{}, false
	}
	values, ok := unpackData("DatasetNFTMinted", l.Data)
	if !ok {
		return domain.MintEvent{}, false
	}
	datasetID, ok := values[0].(string)
	if !ok {
		return domain.MintEvent{}, false
	}
	return domain.MintEvent{
		To:          topicAddress(l.Topics[1]),
		TokenID:     topicInt(l.Topics[2]),
		DatasetID:   datasetID,
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
	}, true
}

func decodeTransfer(l types.Log, topic common.Hash, event string) (*big.Int, common.Address, *big.Int, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != topic {
		return nil, common.Address{}, nil, false
	}
	values, ok := unpackData(event, l.Data)
	if !ok {
		return nil, common.Address{}, nil, false
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, common.Address{}, nil, false
	}
	return topicInt(l.Topics[1]), topicAddress(l.Topics[2]), amount, true
}

// DecodeUsage decodes a DatasetUsed log. ok is false for any other log.
func DecodeUsage(l types.Log) (domain.UsageEvent, bool) {
	tokenID, user, amount, ok := decodeTransfer(l, DatasetUsed, "DatasetUsed")
	if !ok {
		return domain.UsageEvent{}, false
	}
	return domain.UsageEvent{TokenID: tokenID, User: user, Amount: amount}, true
}

// DecodeClaim decodes an AmountClaimed log. ok is false for any other log.
func DecodeClaim(l types.Log) (domain.ClaimEvent, bool) {
	tokenID, owner, amount, ok := decodeTransfer(l, AmountClaimed, "AmountClaimed")
	if !ok {
		return domain.ClaimEvent{}, false
	}
	return domain.ClaimEvent{TokenID: tokenID, Owner: owner, Amount: amount}, true
}

// TokenID64 narrows a token id to int64. ok is false when it does not fit.
func TokenID64(id *big.Int) (int64, bool) {
	if id == nil || id.Sign() < 0 || !id.IsInt64() {
		return 0, false
	}
	return id.Int64(), true
}
