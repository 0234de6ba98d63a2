package esrbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/edgeflare/esrbot/pkg/rag"
	"github.com/spf13/cobra"
)

var (
	pdfPaths   []string
	askJSON    bool
	askTopK    int
	showSource bool
)

var askCmd = &cobra.Command{
	Use:   `ask "<question>"`,
	Short: "Answer one question from the indexed policy",
	Example: `  esrbot ask --pdf ESR-Policy.pdf "Which activities are excluded from financing?"
  esrbot ask --json "What is required for coal projects?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringSliceVar(&pdfPaths, "pdf", nil, "documents to index before asking (repeatable, globs allowed)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full answer as JSON")
	askCmd.Flags().IntVar(&askTopK, "k", 0, "number of chunks to retrieve (default retriever.k)")
	askCmd.Flags().BoolVar(&showSource, "sources", true, "print the retrieved sources after the answer")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if askTopK > 0 {
		cfg.Retriever.K = askTopK
	}
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if _, err := a.index(ctx, pdfPaths); err != nil {
		return err
	}
	if err := a.ensureIndexed(ctx); err != nil {
		return err
	}

	answer, err := a.bot.Ask(ctx, rag.Question{Text: strings.Join(args, " ")})
	if err != nil {
		return err
	}
	return printAnswer(cmd.OutOrStdout(), answer, askJSON, showSource)
}

func printAnswer(w io.Writer, answer *rag.Answer, asJSON, sources bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}
	fmt.Fprintln(w, answer.Text)
	if sources && len(answer.Sources) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Sources:")
		for i, r := range answer.Sources {
			fmt.Fprintf(w, "  [%d] %s (score %.3f)\n", i+1, rag.SourceLabel(r.Document), r.Score)
		}
	}
	return nil
}
