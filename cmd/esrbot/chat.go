package esrbot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/edgeflare/esrbot/internal/tui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	tea "github.com/charmbracelet/bubbletea"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the policy in an interactive terminal UI",
	Long: `Open a terminal chat. Earlier turns are sent along as conversation history.
Type /clear to forget them, Ctrl+C or Esc to quit.`,
	Example: `  esrbot chat --pdf ESR-Policy.pdf`,
	Args:    cobra.NoArgs,
	RunE:    runChat,
}

func init() {
	chatCmd.Flags().StringSliceVar(&pdfPaths, "pdf", nil, "documents to index before chatting (repeatable, globs allowed)")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the alternate screen owns the terminal; only errors reach stderr
	logger, err := newLogger(quietLevel(cfg.Log.Level))
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeApp(a)

	fmt.Fprintln(cmd.ErrOrStderr(), "Indexing documents...")
	if _, err := a.index(ctx, pdfPaths); err != nil {
		return err
	}
	if err := a.ensureIndexed(ctx); err != nil {
		return err
	}

	title := strings.Join(append(append([]string(nil), cfg.Documents...), pdfPaths...), ", ")
	if title == "" {
		title = cfg.Store.Type + " store"
	}
	m := tui.New(ctx, a.bot, title, cfg.LLM.Timeout)
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil {
		a.logger.Error("chat ui failed", zap.Error(err))
		return err
	}
	return nil
}

func quietLevel(level string) string {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "":
		return "error"
	}
	return level
}
