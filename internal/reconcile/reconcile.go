package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"enclava/internal/domain"
	"enclava/internal/events"
	"enclava/internal/ledger"
	"enclava/internal/logging"
	"enclava/internal/metrics"
	"enclava/internal/repo"
)

var log = logging.Logger("reconcile")

var (
	ErrInvalidDatasetID = errors.New("dataset id is not an integer")
	ErrInvalidTokenID   = errors.New("token id does not fit int64")
	ErrNotFound         = errors.New("dataset record not found")
	ErrAlreadyMinted    = errors.New("dataset already minted")
	ErrAddressMismatch  = errors.New("mint recipient is not the dataset owner")
)

// Reconciler binds minted tokens to their dataset records.
type Reconciler struct {
	Repo    repo.Repo
	Events  events.Writer
	Metrics *metrics.Metrics
}

func New(conn *sql.DB, m *metrics.Metrics) *Reconciler {
	if m == nil {
		m = metrics.New()
	}
	return &Reconciler{
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{DB: conn},
		Metrics: m,
	}
}

// Reconcile records ev on its dataset. The record is updated at most once;
// a second delivery of the same mint yields ErrAlreadyMinted and no change.
func (r *Reconciler) Reconcile(ctx context.Context, ev domain.MintEvent) error {
	err := r.reconcile(ctx, ev)
	r.Metrics.Reconciled.WithLabelValues(result(err)).Inc()
	return err
}

func (r *Reconciler) reconcile(ctx context.Context, ev domain.MintEvent) error {
	datasetID, err := strconv.ParseInt(strings.TrimSpace(ev.DatasetID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDatasetID, ev.DatasetID)
	}
	tokenID, ok := ledger.TokenID64(ev.TokenID)
	if !ok {
		return fmt.Errorf("%w: %v", ErrInvalidTokenID, ev.TokenID)
	}

	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := r.Repo.GetAgentTx(ctx, tx, datasetID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrNotFound, datasetID)
	}
	if err != nil {
		return fmt.Errorf("load dataset %d: %w", datasetID, err)
	}
	if rec.Minted() {
		return fmt.Errorf("%w: dataset %d has token %d", ErrAlreadyMinted, datasetID, *rec.NFTID)
	}
	recipient := ev.To.Hex()
	if !strings.EqualFold(recipient, rec.OwnerAddress) {
		return fmt.Errorf("%w: recipient %s, owner %s", ErrAddressMismatch, recipient, rec.OwnerAddress)
	}
	txHash := ev.TxHash.Hex()
	if err := r.Repo.UpdateAgentNFT(ctx, tx, datasetID, tokenID, txHash); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: dataset %d", ErrAlreadyMinted, datasetID)
		}
		return fmt.Errorf("bind token %d to dataset %d: %w", tokenID, datasetID, err)
	}
	if err := r.Events.Append(ctx, tx, events.TypeAgentMinted, events.KindAgent, strconv.FormatInt(datasetID, 10), recipient, events.EventPayload{
		"nft_id":  tokenID,
		"nft_tx":  txHash,
		"block":   ev.BlockNumber,
		"dataset": rec.Name,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mint of dataset %d: %w", datasetID, err)
	}
	log.Infow("dataset minted", "dataset", datasetID, "nft_id", tokenID, "tx", txHash)
	return nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "minted"
	case errors.Is(err, ErrAlreadyMinted):
		return "already_minted"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAddressMismatch):
		return "address_mismatch"
	case errors.Is(err, ErrInvalidDatasetID), errors.Is(err, ErrInvalidTokenID):
		return "invalid"
	default:
		return "error"
	}
}
