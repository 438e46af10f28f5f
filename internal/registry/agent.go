package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"enclava/internal/completion"
	"enclava/internal/domain"
	"enclava/internal/logging"
)

var log = logging.Logger("registry")

const instructions = "You are an AI agent (%s) who is responsible for answering questions about the csv dataset added to you (it is your only context). " +
	"Do not use any other knowledge source to answer questions. Return only the answer. " +
	"Do not reveal any personal information about a specific user such as their email, name or phone number. " +
	"The dataset description is %s. The dataset category is %s. The dataset csv: %s"

// Agent is a prompt-ready handle bound to one dataset.
type Agent struct {
	ID          int64
	Name        string
	Model       string
	Preamble    string
	Temperature float64

	llm completion.Model
}

func (a *Agent) Prompt(ctx context.Context, prompt string) (string, error) {
	return a.llm.Complete(ctx, completion.Request{
		Model:       a.Model,
		Preamble:    a.Preamble,
		Prompt:      prompt,
		Temperature: a.Temperature,
	})
}

// Builder turns stored records into agents by loading their dataset file.
type Builder struct {
	UploadDir string
	Model     string
	LLM       completion.Model
}

func (b Builder) Build(ctx context.Context, rec domain.Agent) (*Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(b.UploadDir, filepath.Base(rec.DatasetPath))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset for agent %d: %w", rec.ID, err)
	}
	return &Agent{
		ID:       rec.ID,
		Name:     rec.Name,
		Model:    b.Model,
		Preamble: fmt.Sprintf(instructions, rec.Name, rec.Description, rec.Category, data),
		llm:      b.LLM,
	}, nil
}

// RecordLister lists every stored dataset record.
type RecordLister interface {
	ListAllAgents(ctx context.Context) ([]domain.Agent, error)
}

// LoadAll builds an agent for every stored record and registers it.
// It fails if any dataset cannot be loaded.
func LoadAll(ctx context.Context, store RecordLister, b Builder, reg *Registry) error {
	records, err := store.ListAllAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	var bytes int64
	for _, rec := range records {
		rec := rec
		bytes += rec.DatasetSize
		g.Go(func() error {
			a, err := b.Build(gctx, rec)
			if err != nil {
				return err
			}
			reg.PutIfAbsent(rec.ID, a)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Infow("agents loaded", "count", reg.Len(), "datasets", humanize.Bytes(uint64(bytes)))
	return nil
}
