package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Category is the closed set of dataset categories.
type Category string

const (
	CategoryWeb3          Category = "Web3"
	CategoryFinancial     Category = "Financial"
	CategoryAnalytics     Category = "Analytics"
	CategoryHealthcare    Category = "Healthcare"
	CategoryIoT           Category = "IoT"
	CategoryGaming        Category = "Gaming"
	CategoryConsumerData  Category = "Consumer Data"
	CategorySocialMedia   Category = "Social Media"
	CategoryEnvironmental Category = "Environmental"
)

var categories = []Category{
	CategoryWeb3,
	CategoryFinancial,
	CategoryAnalytics,
	CategoryHealthcare,
	CategoryIoT,
	CategoryGaming,
	CategoryConsumerData,
	CategorySocialMedia,
	CategoryEnvironmental,
}

// Categories returns every known category in display order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory matches a category by its exact display name.
func ParseCategory(s string) (Category, error) {
	for _, c := range categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("invalid category %q", s)
}

const StatusActive = "active"

type User struct {
	ID      int64  `json:"id"`
	Address string `json:"address"`
}

// Agent is a dataset record together with the agent trained on it.
type Agent struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	OwnerID      int64           `json:"owner_id"`
	OwnerAddress string          `json:"owner_address"`
	DatasetPath  string          `json:"dataset_path"`
	Category     Category        `json:"category"`
	DatasetSize  int64           `json:"dataset_size"`
	Status       string          `json:"status"`
	NFTID        *int64          `json:"nft_id,omitempty"`
	NFTTx        *string         `json:"nft_tx,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

// Minted reports whether the record is already bound to a token.
func (a Agent) Minted() bool { return a.NFTID != nil }

// NewAgent holds the fields supplied on dataset upload.
type NewAgent struct {
	Name        string
	Description string
	Price       decimal.Decimal
	OwnerID     int64
	DatasetPath string
	Category    Category
	DatasetSize int64
}

// MintEvent is a decoded DatasetNFTMinted log.
type MintEvent struct {
	To          common.Address
	TokenID     *big.Int
	DatasetID   string
	TxHash      common.Hash
	BlockNumber uint64
}

// UsageEvent is a decoded DatasetUsed log: a payment against a minted token.
type UsageEvent struct {
	TokenID *big.Int
	User    common.Address
	Amount  *big.Int
}

// ClaimEvent is a decoded AmountClaimed log.
type ClaimEvent struct {
	TokenID *big.Int
	Owner   common.Address
	Amount  *big.Int
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// DatasetStats aggregates every stored dataset.
type DatasetStats struct {
	TotalCount int64           `json:"total_count"`
	TotalPrice decimal.Decimal `json:"total_price"`
	TotalSize  int64           `json:"total_size"`
}
