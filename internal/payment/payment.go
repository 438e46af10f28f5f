package payment

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"enclava/internal/domain"
	"enclava/internal/events"
	"enclava/internal/ledger"
	"enclava/internal/logging"
	"enclava/internal/metrics"
)

var log = logging.Logger("payment")

// Outcome names the reason a verification ended the way it did.
type Outcome string

const (
	Accepted      Outcome = "accepted"
	Replayed      Outcome = "replayed"
	MalformedHash Outcome = "malformed_hash"
	NoAgents      Outcome = "no_agents"
	UnknownAgent  Outcome = "unknown_agent"
	NoReceipt     Outcome = "no_receipt"
	FailedTx      Outcome = "failed_tx"
	WrongContract Outcome = "wrong_contract"
	AgentNotFound Outcome = "agent_not_found"
	Underpaid     Outcome = "underpaid"
	UnderpaidSum  Outcome = "underpaid_total"
	Failed        Outcome = "error"
)

// Store loads the records a payment is made for.
type Store interface {
	GetAgentsByIDs(ctx context.Context, ids []int64) ([]domain.Agent, error)
}

type Options struct {
	Contract common.Address
	Decimals int32
	// Audit, when set, records accepted payments.
	Audit   *events.Writer
	Metrics *metrics.Metrics
}

// Verifier decides whether a ledger transaction pays for a set of agents.
// Each transaction hash is accepted at most once per process lifetime,
// plus whatever was seeded at startup.
type Verifier struct {
	ledger   ledger.Client
	store    Store
	contract common.Address
	decimals int32
	audit    *events.Writer
	metrics  *metrics.Metrics
	consumed mapset.Set[string]
}

func New(client ledger.Client, store Store, opts Options) *Verifier {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Verifier{
		ledger:   client,
		store:    store,
		contract: opts.Contract,
		decimals: opts.Decimals,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		consumed: mapset.NewSet[string](),
	}
}

// Seed marks previously accepted transaction hashes as consumed.
func (v *Verifier) Seed(hashes ...string) int {
	n := 0
	for _, h := range hashes {
		if key, ok := normalizeHash(h); ok && v.consumed.Add(key) {
			n++
		}
	}
	return n
}

func (v *Verifier) Consumed(txHash string) bool {
	key, ok := normalizeHash(txHash)
	return ok && v.consumed.Contains(key)
}

// Verify reports whether txHash is an unconsumed, successful payment to the
// contract covering every agent in agentIDs. Ledger and store failures are
// returned as errors; every other rejection is false.
func (v *Verifier) Verify(ctx context.Context, agentIDs []int64, txHash string) (bool, error) {
	out, err := v.Check(ctx, agentIDs, txHash)
	return out == Accepted, err
}

// Check is Verify reporting the outcome.
func (v *Verifier) Check(ctx context.Context, agentIDs []int64, txHash string) (Outcome, error) {
	out, detail, err := v.check(ctx, agentIDs, txHash)
	if err != nil {
		out = Failed
	}
	v.metrics.Payments.WithLabelValues(string(out)).Inc()
	switch {
	case err != nil:
		log.Errorw("payment verification failed", "tx", txHash, "agents", agentIDs, "err", err)
	case out != Accepted:
		log.Warnw("payment rejected", "tx", txHash, "agents", agentIDs, "outcome", out, "detail", detail)
	default:
		log.Infow("payment accepted", "tx", txHash, "agents", agentIDs)
	}
	return out, err
}

func (v *Verifier) check(ctx context.Context, agentIDs []int64, txHash string) (Outcome, string, error) {
	key, ok := normalizeHash(txHash)
	if !ok {
		return MalformedHash, "", nil
	}
	if v.consumed.Contains(key) {
		return Replayed, "", nil
	}
	ids := dedupe(agentIDs)
	if len(ids) == 0 {
		return NoAgents, "", nil
	}

	records, err := v.store.GetAgentsByIDs(ctx, ids)
	if err != nil {
		return "", "", fmt.Errorf("load agents: %w", err)
	}
	if len(records) != len(ids) {
		return UnknownAgent, fmt.Sprintf("requested %d agents, found %d", len(ids), len(records)), nil
	}
	required := decimal.Zero
	byToken := make(map[int64]int, len(records))
	for i, rec := range records {
		required = required.Add(rec.Price)
		if rec.NFTID != nil {
			byToken[*rec.NFTID] = i
		}
	}

	rcpt, err := v.ledger.Receipt(ctx, common.HexToHash(key))
	if err != nil {
		return "", "", fmt.Errorf("fetch receipt: %w", err)
	}
	if rcpt == nil {
		return NoReceipt, "", nil
	}
	if !rcpt.Status {
		return FailedTx, "", nil
	}
	if rcpt.To == nil || *rcpt.To != v.contract {
		return WrongContract, fmt.Sprintf("to %v", rcpt.To), nil
	}

	paid := make([]decimal.Decimal, len(records))
	total := decimal.Zero
	for _, l := range rcpt.Logs {
		if l.Address != v.contract {
			continue
		}
		use, ok := ledger.DecodeUsage(l)
		if !ok {
			continue
		}
		token, ok := ledger.TokenID64(use.TokenID)
		idx, found := byToken[token]
		if !ok || !found {
			return AgentNotFound, fmt.Sprintf("token %v", use.TokenID), nil
		}
		amount := ledger.ToDecimal(use.Amount, v.decimals)
		paid[idx] = paid[idx].Add(amount)
		total = total.Add(amount)
	}
	for i, rec := range records {
		if paid[i].LessThan(rec.Price) {
			return Underpaid, fmt.Sprintf("agent %d price %s paid %s", rec.ID, rec.Price, paid[i]), nil
		}
	}
	if total.LessThan(required) {
		return UnderpaidSum, fmt.Sprintf("required %s paid %s", required, total), nil
	}

	if !v.consumed.Add(key) {
		return Replayed, "accepted concurrently", nil
	}
	if v.audit != nil {
		idStrs := make([]string, len(ids))
		for i, id := range ids {
			idStrs[i] = strconv.FormatInt(id, 10)
		}
		if err := v.audit.Append(ctx, nil, events.TypePaymentAccepted, events.KindPayment, key, "system", events.EventPayload{
			"agent_ids": idStrs,
			"paid":      total.String(),
			"required":  required.String(),
		}); err != nil {
			log.Warnw("record accepted payment", "tx", key, "err", err)
		}
	}
	return Accepted, "", nil
}

// normalizeHash returns the canonical lower-case form of a 32-byte hex hash.
func normalizeHash(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) != 66 || !(strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		return "", false
	}
	if _, err := hex.DecodeString(s[2:]); err != nil {
		return "", false
	}
	return "0x" + strings.ToLower(s[2:]), true
}

func dedupe(ids []int64) []int64 {
	seen := mapset.NewThreadUnsafeSet[int64]()
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen.Add(id) {
			out = append(out, id)
		}
	}
	return out
}
