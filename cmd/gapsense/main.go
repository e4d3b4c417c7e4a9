package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gapsense/internal/catalog"
	"gapsense/internal/detect"
	"gapsense/internal/embedding"
	"gapsense/internal/logging"
	"gapsense/internal/session"
	"gapsense/internal/store"
	"gapsense/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose     bool
	catalogPath string
	dbPath      string
	noPersist   bool
	noSemantic  bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gapsense",
	Short: "gapsense - conversational capability assessment core",
	Long: `gapsense is the reasoning core of a conversational assessment assistant.

It aggregates tiered evidence about capability edges, finds the weakest-link
bottleneck per output, tracks what is known about the conversation itself,
and emits structured response directives for an external rendering layer.

Run without arguments to start the interactive chat interface.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize("."); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive assessment session",
	Long: `Starts a REPL over a fresh session. Each line is processed as one turn:
triggers are detected, behaviors selected, and the composed directive printed
as JSON. Structured evidence can be injected with /evidence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

var assessCmd = &cobra.Command{
	Use:   "assess [session-id] [output-id]",
	Short: "Compute the bottleneck assessment for an output",
	Long: `Resumes a persisted session and prints the weakest-link assessment for
the named output: its quality score (the minimum over edge scores) and every
edge tied at that minimum.

Example:
  gapsense assess 2f6c... deploy_pipeline`,
	Args: cobra.ExactArgs(2),
	RunE: runAssess,
}

var turnCmd = &cobra.Command{
	Use:   "turn [session-id] [utterance...]",
	Short: "Process a single turn against a persisted session",
	Long: `Resumes (or creates) the named session, runs one turn with the given
utterance, prints the composed directive as JSON, and exits. Suitable for
driving the core from an external planner.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runTurn,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	RunE:  runSessions,
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Validate and summarize the trigger/behavior catalog",
	RunE:  runCatalog,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "Path to a YAML catalog (default: built-in)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", ".gapsense/sessions.db", "Session database path")
	rootCmd.PersistentFlags().BoolVar(&noPersist, "no-persist", false, "Run without the session database")
	rootCmd.PersistentFlags().BoolVar(&noSemantic, "no-semantic", false, "Disable semantic trigger matching")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(turnCmd)
	rootCmd.AddCommand(assessCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(catalogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadCatalog resolves the catalog flag, falling back to the built-in set.
func loadCatalog() (*catalog.Catalog, error) {
	if catalogPath == "" {
		cat := catalog.Default()
		if err := cat.Validate(); err != nil {
			return nil, fmt.Errorf("built-in catalog: %w", err)
		}
		return cat, nil
	}
	return catalog.Load(catalogPath)
}

// buildManager wires the full pipeline from the flags.
func buildManager(ctx context.Context) (*session.Manager, *catalog.Catalog, error) {
	cat, err := loadCatalog()
	if err != nil {
		return nil, nil, err
	}

	// The embedding engine is optional; detection degrades to regex-only
	// when it is unavailable.
	var engine embedding.Engine
	if !noSemantic {
		embedCfg := embedding.DefaultConfig()
		if p := os.Getenv("GAPSENSE_EMBED_PROVIDER"); p != "" {
			embedCfg.Provider = p
		}
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			embedCfg.GenAIAPIKey = key
		}
		engine, err = embedding.NewEngine(embedCfg)
		if err != nil {
			logger.Warn("embedding engine unavailable, semantic matching disabled", zap.Error(err))
			engine = nil
		}
	}

	cfg := detect.DefaultConfig()
	if cat.Detection.SimilarityThreshold > 0 {
		cfg.SimilarityThreshold = cat.Detection.SimilarityThreshold
	}
	if d, err := time.ParseDuration(cat.Detection.SemanticTimeout); err == nil && d > 0 {
		cfg.SemanticTimeout = d
	}

	detector, err := detect.NewDetector(ctx, cat, engine, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("detector: %w", err)
	}

	var st *store.SessionStore
	if !noPersist {
		st, err = store.Open(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
	}

	return session.NewManager(cat, detector, st), cat, nil
}

// runChat is the interactive REPL. Lines starting with "/" are commands:
//
//	/evidence <source> <output> <tier> <rating> <statement...>
//	/assess <output>
//	/state
//	/quit
func runChat() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr, _, err := buildManager(ctx)
	if err != nil {
		return err
	}

	sess, err := mgr.NewSession()
	if err != nil {
		return err
	}

	fmt.Printf("gapsense session %s (type /quit to exit)\n", sess.ID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := handleChatCommand(ctx, mgr, sess, line); done {
				break
			}
			continue
		}

		directive, err := mgr.ProcessTurn(ctx, sess, types.TurnInput{
			SessionID: sess.ID,
			Utterance: line,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "turn failed:", err)
			continue
		}
		printJSON(directive)
	}
	return scanner.Err()
}

func handleChatCommand(ctx context.Context, mgr *session.Manager, sess *session.Session, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/assess":
		if len(fields) != 2 {
			fmt.Println("usage: /assess <output-id>")
			return false
		}
		a, err := sess.Assess(fields[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "assess failed:", err)
			return false
		}
		printJSON(a)
	case "/state":
		printJSON(sess.Knowledge().Dimensions())
	case "/evidence":
		if len(fields) < 6 {
			fmt.Println("usage: /evidence <source> <output> <tier> <rating> <statement...>")
			return false
		}
		tier, err := strconv.Atoi(fields[3])
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid tier:", fields[3])
			return false
		}
		rating, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid rating:", fields[4])
			return false
		}
		obs := types.EvidenceObservation{
			Edge:      types.EdgeKey{Source: fields[1], TargetOutput: fields[2]},
			Statement: strings.Join(fields[5:], " "),
			Tier:      tier,
			Rating:    rating,
		}
		if _, err := mgr.ProcessTurn(ctx, sess, types.TurnInput{
			SessionID:    sess.ID,
			Timestamp:    time.Now().UTC(),
			Observations: []types.EvidenceObservation{obs},
		}); err != nil {
			fmt.Fprintln(os.Stderr, "evidence rejected:", err)
			return false
		}
		if score, ok := sess.Score(obs.Edge); ok {
			fmt.Printf("edge %s: score %.3f, confidence %.3f\n", obs.Edge.String(), score.Score, score.Confidence)
		}
	default:
		fmt.Println("unknown command:", fields[0])
	}
	return false
}

func runTurn(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	mgr, _, err := buildManager(ctx)
	if err != nil {
		return err
	}
	if noPersist {
		return fmt.Errorf("turn requires the session database")
	}

	sess, err := mgr.Resume(args[0])
	if err != nil {
		return err
	}

	directive, err := mgr.ProcessTurn(ctx, sess, types.TurnInput{
		SessionID: sess.ID,
		Utterance: strings.Join(args[1:], " "),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	printJSON(directive)
	return nil
}

func runAssess(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	mgr, _, err := buildManager(ctx)
	if err != nil {
		return err
	}
	if noPersist {
		return fmt.Errorf("assess requires the session database")
	}

	sess, err := mgr.Resume(args[0])
	if err != nil {
		return err
	}

	a, err := sess.Assess(args[1])
	if err != nil {
		return err
	}

	fmt.Printf("output %s: quality %.3f\n", a.OutputID, a.Quality)
	for _, b := range a.Bottlenecks {
		fmt.Printf("  bottleneck: %s\n", b.String())
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	if noPersist {
		return fmt.Errorf("sessions requires the session database")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ids, err := st.Sessions()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runCatalog(cmd *cobra.Command, args []string) error {
	cat, err := loadCatalog()
	if err != nil {
		return err
	}

	fmt.Printf("catalog OK: %d triggers, %d behaviors, %d dimensions\n",
		len(cat.Triggers), len(cat.Behaviors), len(cat.Dimensions))
	for _, t := range cat.Triggers {
		kind := string(t.Detection.Method)
		if t.Intensity {
			kind += ", intensity"
		}
		fmt.Printf("  trigger  %-24s %s (%s)\n", t.ID, t.Priority, kind)
	}
	for _, b := range cat.Behaviors {
		role := "proactive"
		if b.Reactive {
			role = "reactive"
		}
		fmt.Printf("  behavior %-24s %s, %d tokens\n", b.ID, role, b.TokenCost)
	}
	return nil
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "marshal failed:", err)
		return
	}
	fmt.Println(string(out))
}
