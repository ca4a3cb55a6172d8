package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Heratiki/locallama-mcp/internal/codeindex"
	"github.com/Heratiki/locallama-mcp/internal/config"
	"github.com/Heratiki/locallama-mcp/internal/logging"
)

func newIndexCmd() *cobra.Command {
	var force, watch bool

	cmd := &cobra.Command{
		Use:   "index <directory>",
		Short: "Build the retrieval index over a source tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), cmd, args[0], force, watch)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-index files even if unchanged")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching for changes after indexing")
	return cmd
}

func runIndex(parent context.Context, cmd *cobra.Command, root string, force, watch bool) error {
	cfg, err := config.Load()
	if err != nil {
		return &exitError{code: 1, msg: err.Error()}
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return &exitError{code: 1, msg: err.Error()}
	}
	defer logger.Sync()

	index := codeindex.New(
		codeindex.WithExcludes(cfg.IndexExcludes),
		codeindex.WithChunkLines(cfg.IndexChunkLines),
		codeindex.WithLogger(logger.Named("index")),
	)
	if err := index.IndexDirectory(root, force); err != nil {
		return &exitError{code: 1, msg: err.Error()}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents under %s\n", index.DocumentCount(), root)

	if !watch {
		return nil
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := index.Watch(ctx, root); err != nil && !errors.Is(err, context.Canceled) {
		return &exitError{code: 1, msg: err.Error()}
	}
	return nil
}
