package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/califonix/opsqa/internal/rag"
	"github.com/spf13/cobra"
)

var (
	askModel      string
	askK          int
	askShowPrompt bool
)

func init() {
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)

	for _, c := range []*cobra.Command{askCmd, chatCmd} {
		c.Flags().StringVarP(&askModel, "model", "m", "", "Generation model (default: default_model from config)")
		c.Flags().IntVarP(&askK, "k", "k", 0, "Number of snippets to retrieve (default: top_k from config)")
		c.Flags().BoolVar(&askShowPrompt, "show-prompt", false, "Include the assembled prompt in the output")
	}
}

// AskResponse is the response for the ask command and for each chat turn.
type AskResponse struct {
	Query   string    `json:"query"`
	Model   string    `json:"model"`
	Answer  string    `json:"answer"`
	Failed  bool      `json:"failed,omitempty"`
	Sources []string  `json:"sources"`
	Hits    []rag.Hit `json:"hits"`
	Prompt  string    `json:"prompt,omitempty"`
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the reports",
	Long: `Answer a question using the report snippets closest to it.

The top snippets are placed in a prompt together with the question and run
through the chosen local model with 'ollama run <model>'. The answer is
followed by the reports it was based on.

A generation failure is reported in place of the answer, labeled [ERROR],
and exits with status 7.`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Answer questions read line by line from stdin",
	Long: `Start an interactive session: each line read from stdin is answered
against the same loaded snapshot.

  /model <name>   switch generation model
  exit, quit      end the session

Ctrl-C cancels the question in flight; end of input ends the session.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func toAskResponse(a *rag.Answer, showPrompt bool) AskResponse {
	resp := AskResponse{
		Query:   a.Query,
		Model:   a.Model,
		Answer:  a.Display(),
		Failed:  a.Failure != nil,
		Sources: a.Sources,
		Hits:    a.Hits,
	}
	if showPrompt {
		resp.Prompt = a.Prompt
	}
	return resp
}

// printAnswer writes an answer in the selected output format.
func printAnswer(w io.Writer, a *rag.Answer, showPrompt bool) {
	if !humanOutput {
		outputJSON(toAskResponse(a, showPrompt))
		return
	}
	if showPrompt {
		fmt.Fprintf(w, "--- prompt ---\n%s\n--------------\n\n", a.Prompt)
	}
	fmt.Fprintf(w, "Answer based on: %s\n\n", a.Attribution())
	fmt.Fprintln(w, a.Display())
}

// resolveModel applies the configured default when no model was requested.
func resolveModel(requested, fallback string) string {
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested
	}
	return fallback
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	query := strings.TrimSpace(args[0])
	if query == "" {
		exitWithError(ExitError, "Question cannot be empty")
	}
	if askK < 0 {
		exitWithError(ExitError, "-k must be at least 1")
	}

	repoRoot := mustFindRepository()
	cfg := mustLoadConfig(repoRoot)
	model := resolveModel(askModel, cfg.DefaultModel)

	r := mustOpenRetriever(ctx, repoRoot, cfg)
	exitOnError(r.CheckModel(model), "ask")

	answer, err := r.Ask(ctx, query, model, askK)
	exitOnError(err, "ask")

	printAnswer(os.Stdout, answer, askShowPrompt)
	if answer.Failure != nil {
		os.Exit(ExitGenerationFailed)
	}
	return nil
}

// chatSession answers questions from in until end of input or an exit command.
type chatSession struct {
	retriever  *rag.Retriever
	model      string
	k          int
	showPrompt bool
	out        io.Writer
	// askContext returns the context for one question; it is canceled on interrupt.
	askContext func() (context.Context, context.CancelFunc)
}

// run reads questions until EOF or exit, answering each in turn.
func (s *chatSession) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	s.prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "exit" || line == "quit":
			return nil
		case strings.HasPrefix(line, "/model"):
			s.switchModel(strings.TrimSpace(strings.TrimPrefix(line, "/model")))
		default:
			s.ask(line)
		}
		s.prompt()
	}
	return scanner.Err()
}

func (s *chatSession) prompt() {
	if humanOutput {
		fmt.Fprintf(s.out, "[%s] > ", s.model)
	}
}

func (s *chatSession) switchModel(name string) {
	if name == "" {
		fmt.Fprintf(s.out, "models: %s\n", strings.Join(s.retriever.Models(), ", "))
		return
	}
	if err := s.retriever.CheckModel(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	s.model = name
}

func (s *chatSession) ask(question string) {
	ctx, cancel := s.askContext()
	defer cancel()

	answer, err := s.retriever.Ask(ctx, question, s.model, s.k)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "canceled")
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	printAnswer(s.out, answer, s.showPrompt)
	if humanOutput {
		fmt.Fprintln(s.out)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	if askK < 0 {
		exitWithError(ExitError, "-k must be at least 1")
	}

	repoRoot := mustFindRepository()
	cfg := mustLoadConfig(repoRoot)
	model := resolveModel(askModel, cfg.DefaultModel)

	setupCtx, stop := signalContext()
	r := mustOpenRetriever(setupCtx, repoRoot, cfg)
	stop()
	exitOnError(r.CheckModel(model), "chat")

	session := &chatSession{
		retriever:  r,
		model:      model,
		k:          askK,
		showPrompt: askShowPrompt,
		out:        os.Stdout,
		askContext: func() (context.Context, context.CancelFunc) {
			return signal.NotifyContext(context.Background(), os.Interrupt)
		},
	}
	if humanOutput {
		fmt.Printf("Loaded %d snippets. Ask a question, '/model <name>' to switch, 'exit' to quit.\n", r.SnippetCount())
	}
	exitOnError(session.run(os.Stdin), "reading input")
	return nil
}
