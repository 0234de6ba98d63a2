package esrbot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var resetStore bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <files...>",
	Short: "Load, embed and store documents",
	Long: `Split PDF, text or markdown files into chunks, embed them and write them to the vector store.
Directories and glob patterns are expanded. With the memory store the index only lives for this run,
so ingest is mostly useful with store.type=pgvector.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVar(&resetStore, "reset", false, "delete all stored chunks before ingesting")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if resetStore {
		if err := a.store.Reset(ctx); err != nil {
			return err
		}
	}

	stats, err := a.index(ctx, args)
	if err != nil {
		return err
	}
	total, err := a.store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d documents into %d chunks in %s (%d chunks stored)\n",
		stats.Documents, stats.Chunks, stats.Duration.Round(time.Millisecond), total)
	return nil
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
}
