package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"enclava/internal/completion"
	"enclava/internal/config"
	"enclava/internal/domain"
	"enclava/internal/events"
	"enclava/internal/logging"
	"enclava/internal/registry"
	"enclava/internal/repo"
)

var log = logging.Logger("engine")

// PaymentVerifier confirms that a ledger transaction pays for a set of agents.
type PaymentVerifier interface {
	Verify(ctx context.Context, agentIDs []int64, txHash string) (bool, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Registry *registry.Registry
	Builder  registry.Builder
	Payments PaymentVerifier
	LLM      completion.Model
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *registry.Registry, llm completion.Model, payments PaymentVerifier) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Registry: reg,
		Builder:  registry.Builder{UploadDir: cfg.Uploads.Dir, Model: cfg.Models.Agent, LLM: llm},
		Payments: payments,
		LLM:      llm,
		Now:      time.Now,
	}
}

// UploadInput carries a dataset upload.
type UploadInput struct {
	FileName    string
	Data        []byte
	UserAddress string
	Price       string
	Description string
	Name        string
	Category    string
}

type UploadResult struct {
	Agent domain.Agent
	Rows  int
}

// UploadDataset stores the file, inserts the record and registers its agent.
// The agent is built inside the transaction and registered once the record is committed.
func (e Engine) UploadDataset(ctx context.Context, in UploadInput) (UploadResult, error) {
	if err := e.checkFile(in.FileName, in.Data); err != nil {
		return UploadResult{}, err
	}
	rows, err := CountCSVRows(in.Data)
	if err != nil {
		return UploadResult{}, err
	}
	if !common.IsHexAddress(strings.TrimSpace(in.UserAddress)) {
		return UploadResult{}, invalid("invalid_user_address", "invalid user_address %q", in.UserAddress)
	}
	owner := common.HexToAddress(strings.TrimSpace(in.UserAddress)).Hex()
	price, err := ParsePrice(in.Price)
	if err != nil {
		return UploadResult{}, err
	}
	category, err := domain.ParseCategory(strings.TrimSpace(in.Category))
	if err != nil {
		return UploadResult{}, invalid("invalid_category", "invalid category %q", in.Category)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return UploadResult{}, invalid("missing_name", "name field is required")
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		return UploadResult{}, invalid("missing_description", "description field is required")
	}

	stored, err := e.storeFile(in.FileName, in.Data)
	if err != nil {
		return UploadResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			os.Remove(filepath.Join(e.Config.Uploads.Dir, stored))
		}
	}()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UploadResult{}, err
	}
	defer tx.Rollback()

	user, err := e.Repo.InsertUser(ctx, tx, owner)
	if err != nil {
		return UploadResult{}, err
	}
	rec, err := e.Repo.InsertAgent(ctx, tx, domain.NewAgent{
		Name:        name,
		Description: description,
		Price:       price,
		OwnerID:     user.ID,
		DatasetPath: stored,
		Category:    category,
		DatasetSize: int64(len(in.Data)),
	})
	if err != nil {
		return UploadResult{}, err
	}
	agent, err := e.Builder.Build(ctx, rec)
	if err != nil {
		return UploadResult{}, fmt.Errorf("initialize agent: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeDatasetUploaded, events.KindAgent, strconv.FormatInt(rec.ID, 10), owner, events.EventPayload{
		"name":     name,
		"category": string(category),
		"price":    price.String(),
		"rows":     rows,
		"size":     len(in.Data),
	}); err != nil {
		return UploadResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UploadResult{}, err
	}
	committed = true
	e.Registry.Put(rec.ID, agent)
	log.Infow("dataset uploaded", "agent", rec.ID, "owner", owner, "rows", rows, "size", humanize.Bytes(uint64(len(in.Data))))
	return UploadResult{Agent: rec, Rows: rows}, nil
}

func (e Engine) checkFile(fileName string, data []byte) error {
	if strings.TrimSpace(fileName) == "" {
		return invalid("no_file", "no file found in the request")
	}
	if !strings.EqualFold(filepath.Ext(fileName), ".csv") {
		return invalid("invalid_file_type", "only CSV files are allowed")
	}
	if max := e.Config.Uploads.MaxFileSize; int64(len(data)) > max {
		return fmt.Errorf("%w: maximum size is %s", ErrFileTooLarge, humanize.IBytes(uint64(max)))
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (e Engine) storeFile(fileName string, data []byte) (string, error) {
	dir := e.Config.Uploads.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}
	base := filepath.Base(fileName)
	ext := filepath.Ext(base)
	stem := unsafeName.ReplaceAllString(strings.TrimSuffix(base, ext), "_")
	stored := fmt.Sprintf("%s_%s%s", uuid.NewString(), stem, strings.ToLower(ext))
	if err := os.WriteFile(filepath.Join(dir, stored), data, 0o644); err != nil {
		return "", fmt.Errorf("write dataset: %w", err)
	}
	return stored, nil
}

// ParsePrice parses a dataset price and checks it is within the allowed range.
func ParsePrice(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, invalid("missing_dataset_price", "dataset_price field is required")
	}
	price, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, invalid("invalid_dataset_price_format", "invalid dataset_price %q: must be a number", s)
	}
	if price.LessThan(config.MinPrice) || price.GreaterThan(config.MaxPrice) {
		return decimal.Decimal{}, invalid("invalid_dataset_price", "dataset_price must be between %s and %s", config.MinPrice, config.MaxPrice)
	}
	return price, nil
}

type AnswerInput struct {
	AgentIDs []int64
	Prompt   string
	TxHash   string
}

type AgentAnswer struct {
	AgentID  int64  `json:"agent_id"`
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Answer checks the payment, then prompts every requested agent concurrently.
// Answers come back in request order.
func (e Engine) Answer(ctx context.Context, in AnswerInput) ([]AgentAnswer, error) {
	prompt := strings.TrimSpace(in.Prompt)
	switch {
	case strings.TrimSpace(in.TxHash) == "":
		return nil, invalid("no_tx_hash_specified", "no tx hash specified")
	case prompt == "":
		return nil, invalid("no_prompt_specified", "no prompt specified")
	case len(in.AgentIDs) == 0:
		return nil, invalid("no_agents_specified", "no agents specified")
	case len(in.AgentIDs) > e.Config.Chat.MaxSelectedAgents:
		return nil, invalid("too_many_agents_specified", "too many agents specified: at most %d", e.Config.Chat.MaxSelectedAgents)
	}
	ok, err := e.Payments.Verify(ctx, in.AgentIDs, in.TxHash)
	if err != nil {
		return nil, fmt.Errorf("verify payment: %w", err)
	}
	if !ok {
		return nil, ErrPaymentInvalid
	}

	agents := make([]*registry.Agent, len(in.AgentIDs))
	for i, id := range in.AgentIDs {
		a, ok := e.Registry.Get(id)
		if !ok {
			return nil, AgentError{AgentID: id, Err: ErrAgentNotAvailable}
		}
		agents[i] = a
	}
	answers := make([]AgentAnswer, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range agents {
		i, a := i, a
		g.Go(func() error {
			resp, err := a.Prompt(gctx, prompt)
			if err != nil {
				return AgentError{AgentID: a.ID, Err: err}
			}
			answers[i] = AgentAnswer{AgentID: a.ID, Prompt: prompt, Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return answers, nil
}

const routerPreamble = "You are an AI agent whose only task is to return the ids of the agents that can respond to the user question. " +
	"Decide whether to return an agent id by using its description, name and category, which you will find in your context. " +
	"Always return only a JSON array of agent ids. If none can answer, return an empty array. Example of response: [5, 9]."

type routedAgent struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// RouteAgents asks the router model which stored agents can answer prompt.
func (e Engine) RouteAgents(ctx context.Context, prompt string) ([]domain.Agent, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, invalid("no_prompt_specified", "no prompt specified")
	}
	all, err := e.Repo.ListAllAgents(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return []domain.Agent{}, nil
	}
	catalog := make([]routedAgent, len(all))
	for i, a := range all {
		catalog[i] = routedAgent{ID: a.ID, Name: a.Name, Description: a.Description, Category: string(a.Category)}
	}
	catalogJSON, err := json.Marshal(catalog)
	if err != nil {
		return nil, err
	}
	out, err := e.LLM.Complete(ctx, completion.Request{
		Model:    e.Config.Models.Router,
		Preamble: routerPreamble,
		Prompt:   fmt.Sprintf("User question: %s. Please return the agents ids that can respond to this question. These are all the agents: %s", prompt, catalogJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("router model: %w", err)
	}
	var ids []int64
	if err := json.Unmarshal([]byte(completion.StripFences(out)), &ids); err != nil {
		return nil, fmt.Errorf("parse router response %q: %w", out, err)
	}
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	selected := []domain.Agent{}
	for _, a := range all {
		if wanted[a.ID] {
			selected = append(selected, a)
		}
	}
	return selected, nil
}

const detailsPreamble = "You are an AI agent that generates the name, description and category of a specific csv dataset. " +
	"The name should be short. The description should be representative of the dataset, since other AI agents rely on it to decide whether to use this dataset. " +
	"The category must be one of: Web3, Financial, Analytics, Healthcare, IoT, Gaming, Consumer Data, Social Media, Environmental. " +
	`Return the response as a JSON object: {"name": string, "description": string, "category": string}.`

type DatasetDetails struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    domain.Category `json:"category"`
}

// GenerateDatasetDetails asks the details model to describe an uploaded CSV.
func (e Engine) GenerateDatasetDetails(ctx context.Context, fileName string, data []byte) (DatasetDetails, error) {
	if err := e.checkFile(fileName, data); err != nil {
		return DatasetDetails{}, err
	}
	if _, err := CountCSVRows(data); err != nil {
		return DatasetDetails{}, err
	}
	out, err := e.LLM.Complete(ctx, completion.Request{
		Model:    e.Config.Models.Details,
		Preamble: detailsPreamble,
		Prompt:   "Please generate the name, description and category of the following csv dataset: " + string(data),
	})
	if err != nil {
		return DatasetDetails{}, fmt.Errorf("details model: %w", err)
	}
	var raw struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Category    string `json:"category"`
	}
	if err := json.Unmarshal([]byte(completion.StripFences(out)), &raw); err != nil {
		return DatasetDetails{}, fmt.Errorf("parse details response: %w", err)
	}
	category, err := domain.ParseCategory(strings.TrimSpace(raw.Category))
	if err != nil {
		return DatasetDetails{}, fmt.Errorf("details model returned %w", err)
	}
	return DatasetDetails{Name: strings.TrimSpace(raw.Name), Description: strings.TrimSpace(raw.Description), Category: category}, nil
}
