package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/vecmerge/internal/config"
	"github.com/kailas-cloud/vecmerge/internal/domain"
	"github.com/kailas-cloud/vecmerge/internal/wire"
)

type candidateView struct {
	ID    int64   `json:"id"`
	Score float32 `json:"score"`
}

type clusterResultView struct {
	ShardID    int             `json:"shard_id"`
	Query      string          `json:"query"`
	Candidates []candidateView `json:"candidates"`
}

type queryBatchView struct {
	Count      int         `json:"count"`
	Dim        int         `json:"dim"`
	Texts      []string    `json:"texts"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Decode a wire blob from a file and print it as JSON",
	}
	cmd.AddCommand(newInspectResultCmd(), newInspectBatchCmd())
	return cmd
}

func newInspectResultCmd() *cobra.Command {
	var shardID int
	cmd := &cobra.Command{
		Use:   "result <file>",
		Short: "Decode a shard cluster result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := os.ReadFile(filepath.Clean(args[0]))
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			pr, err := wire.DecodeClusterResult(shardID, buf)
			if err != nil {
				return fmt.Errorf("decode cluster result: %w", err)
			}
			view := clusterResultView{
				ShardID:    pr.ShardID,
				Query:      pr.QueryText,
				Candidates: make([]candidateView, len(pr.Candidates)),
			}
			for i, c := range pr.Candidates {
				view.Candidates[i] = candidateView{ID: c.ID, Score: c.Score}
			}
			return printJSON(cmd, view)
		},
	}
	cmd.Flags().IntVar(&shardID, "shard", 0, "shard id to attribute candidates to")
	return cmd
}

func newInspectBatchCmd() *cobra.Command {
	var (
		dim        int
		embeddings bool
	)
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Decode a client query batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := os.ReadFile(filepath.Clean(args[0]))
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if !cmd.Flags().Changed("dim") {
				if cfg, err := config.Load(config.GetEnv()); err == nil {
					dim = cfg.Aggregator.EmbeddingDim
				}
			}
			batch, err := wire.DecodeQueryBatch(buf, dim)
			switch {
			case errors.Is(err, domain.ErrQueryTexts):
				cmd.PrintErrf("warning: %v\n", err)
			case err != nil:
				return fmt.Errorf("decode query batch: %w", err)
			}
			view := queryBatchView{Count: batch.Count, Dim: batch.Dim, Texts: batch.Texts}
			if embeddings {
				view.Embeddings = make([][]float32, batch.Count)
				for i := range batch.Count {
					view.Embeddings[i] = batch.Row(i)
				}
			}
			return printJSON(cmd, view)
		},
	}
	cmd.Flags().IntVar(&dim, "dim", 1024, "embedding dimension (default: aggregator.embedding_dim from config)")
	cmd.Flags().BoolVar(&embeddings, "embeddings", false, "include embedding rows in the output")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
