package server

import (
	"github.com/dustin/go-humanize"

	"enclava/internal/domain"
	"enclava/internal/engine"
)

// Request payloads

type RouteRequest struct {
	Prompt string `json:"prompt" example:"Which city was the hottest last summer?"`
}

type AnswerRequest struct {
	AgentIDs []int64 `json:"agent_ids" example:"[1,4]"`
	Prompt   string  `json:"prompt"`
	TxHash   string  `json:"tx_hash" example:"0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"`
}

type BackfillRequest struct {
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
}

// Responses

type AgentResponse struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Price        string  `json:"price" example:"12.5"`
	OwnerAddress string  `json:"owner_address"`
	Category     string  `json:"category"`
	DatasetSize  int64   `json:"dataset_size"`
	Status       string  `json:"status"`
	NFTID        *int64  `json:"nft_id,omitempty"`
	NFTTx        *string `json:"nft_tx,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type AgentList struct {
	Items []AgentResponse `json:"items"`
}

type StatsResponse struct {
	TotalCount     int64  `json:"total_count"`
	TotalPrice     string `json:"total_price"`
	TotalSize      int64  `json:"total_size"`
	TotalSizeHuman string `json:"total_size_human" example:"1.2 MB"`
}

type ProfileResponse struct {
	Address string          `json:"address"`
	Agents  []AgentResponse `json:"agents"`
}

type AnswerResponse struct {
	Responses []engine.AgentAnswer `json:"responses"`
}

type UploadResponse struct {
	Agent AgentResponse `json:"agent"`
	Rows  int           `json:"rows"`
}

type DetailsResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:           a.ID,
		Name:         a.Name,
		Description:  a.Description,
		Price:        a.Price.String(),
		OwnerAddress: a.OwnerAddress,
		Category:     string(a.Category),
		DatasetSize:  a.DatasetSize,
		Status:       a.Status,
		NFTID:        a.NFTID,
		NFTTx:        a.NFTTx,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func mapAgents(items []domain.Agent) []AgentResponse {
	out := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		out = append(out, agentResponse(a))
	}
	return out
}

func statsResponse(s domain.DatasetStats) StatsResponse {
	return StatsResponse{
		TotalCount:     s.TotalCount,
		TotalPrice:     s.TotalPrice.String(),
		TotalSize:      s.TotalSize,
		TotalSizeHuman: humanize.Bytes(uint64(s.TotalSize)),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}
