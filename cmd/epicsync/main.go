package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/storyforge/epicsync/internal/config"
	"github.com/storyforge/epicsync/internal/engine"
	"github.com/storyforge/epicsync/internal/extractor"
	"github.com/storyforge/epicsync/internal/health"
	"github.com/storyforge/epicsync/internal/match"
	"github.com/storyforge/epicsync/internal/metrics"
	"github.com/storyforge/epicsync/internal/mgmt"
	"github.com/storyforge/epicsync/internal/models"
	"github.com/storyforge/epicsync/internal/monitor"
	"github.com/storyforge/epicsync/internal/notify"
	"github.com/storyforge/epicsync/internal/retry"
	"github.com/storyforge/epicsync/internal/snapshot"
	"github.com/storyforge/epicsync/internal/tracker"
)

const usage = `usage: epicsync <command> [flags]

commands:
  sync          one-shot sync of a single parent epic
  preview       show what a sync would do, without mutating the tracker
  summary       generate and print candidate stories for a parent
  process-all   sync every parent epic the tracker lists
  monitor       run the change monitor (daemon)
  create-config write a default monitor configuration file
  check-types   list the project's work item types and verify configuration
  show-format   print how a generated story is rendered into tracker fields
`

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "sync":
		err = runSync(logger, os.Args[2:])
	case "preview":
		err = runPreview(logger, os.Args[2:])
	case "summary":
		err = runSummary(logger, os.Args[2:])
	case "process-all":
		err = runProcessAll(logger, os.Args[2:])
	case "monitor":
		err = runMonitor(logger, os.Args[2:])
	case "create-config":
		err = runCreateConfig(os.Args[2:])
	case "check-types":
		err = runCheckTypes(logger, os.Args[2:])
	case "show-format":
		err = runShowFormat(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildDeps constructs the tracker client, the extractor and the engine
// from environment configuration.
func buildDeps(logger zerolog.Logger, thresholds match.Thresholds) (*tracker.Client, *engine.Engine, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, nil, err
	}
	if missing := env.Validate(); len(missing) > 0 {
		return nil, nil, missing
	}

	level, lerr := zerolog.ParseLevel(env.LogLevel)
	if lerr == nil {
		zerolog.SetGlobalLevel(level)
	}

	tc := tracker.NewClient(tracker.Config{
		BaseURL:        env.TrackerBaseURL,
		Organization:   env.TrackerOrganization,
		Project:        env.TrackerProject,
		ParentItemType: env.ParentItemType,
		ChildItemType:  env.ChildItemType,
	}, &tracker.PATAuth{Token: env.TrackerPAT}, logger)

	gen := extractor.New(env.OpenAIAPIKey, logger,
		extractor.WithModel(env.OpenAIModel),
		extractor.WithBaseURL(env.OpenAIBaseURL),
		extractor.WithRetry(generationRetry(env)))

	return tc, engine.New(tc, gen, thresholds, logger), nil
}

// generationRetry maps the OPENAI_MAX_RETRIES and OPENAI_RETRY_DELAY knobs
// onto the extractor's backoff policy. The cap scales with the base delay so
// the doubling sequence matches the default 5s..80s window.
func generationRetry(env *config.Env) retry.Config {
	base := time.Duration(env.OpenAIRetryDelay) * time.Second
	return retry.Config{
		MaxAttempts: env.OpenAIMaxRetries,
		BaseDelay:   base,
		MaxDelay:    16 * base,
	}
}

// printResult writes the one-shot exit report: success flag, id lists and
// the verbatim error on failure.
func printResult(result models.SyncResult) {
	if result.Succeeded {
		fmt.Printf("parent %s (%s): success\n", result.ParentID, result.ParentTitle)
		fmt.Printf("  created:   %s\n", joinIDs(result.CreatedIDs))
		fmt.Printf("  updated:   %s\n", joinIDs(result.UpdatedIDs))
		fmt.Printf("  unchanged: %s\n", joinIDs(result.UnchangedIDs))
		return
	}
	fmt.Printf("parent %s: failed: %s\n", result.ParentID, result.ErrorMessage)
}

func joinIDs(ids []int) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

// syncParent runs one sync with snapshot persistence around it.
func syncParent(ctx context.Context, eng *engine.Engine, store *snapshot.Store, parentID string) models.SyncResult {
	stored := store.Get(parentID)
	result := eng.Synchronize(ctx, parentID, stored)
	if result.Succeeded {
		if snap := eng.GetSnapshot(ctx, parentID); snap != nil {
			if err := store.Put(parentID, *snap); err != nil {
				log.Error().Err(err).Str("parent_id", parentID).Msg("persisting snapshot failed")
			}
		}
	}
	return result
}

func runSync(logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	parentID := fs.String("parent", "", "parent epic id (required)")
	snapDir := fs.String("snapshots", "snapshots", "snapshot directory")
	fs.Parse(args)
	if *parentID == "" {
		return fmt.Errorf("sync: -parent is required")
	}

	_, eng, err := buildDeps(logger, match.DefaultThresholds())
	if err != nil {
		return err
	}
	store, err := snapshot.NewStore(*snapDir, logger)
	if err != nil {
		return err
	}

	result := syncParent(context.Background(), eng, store, *parentID)
	printResult(result)
	if !result.Succeeded {
		return fmt.Errorf("sync failed")
	}
	return nil
}

func runPreview(logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	parentID := fs.String("parent", "", "parent epic id (required)")
	fs.Parse(args)
	if *parentID == "" {
		return fmt.Errorf("preview: -parent is required")
	}

	_, eng, err := buildDeps(logger, match.DefaultThresholds())
	if err != nil {
		return err
	}

	parent, partition, err := eng.Preview(context.Background(), *parentID)
	if err != nil {
		return err
	}

	fmt.Printf("preview for %s (%s):\n", *parentID, parent.Title)
	fmt.Printf("would create %d:\n", len(partition.ToCreate))
	for _, c := range partition.ToCreate {
		fmt.Printf("  + %s\n", c.Heading)
	}
	fmt.Printf("would update %d:\n", len(partition.ToUpdate))
	for _, u := range partition.ToUpdate {
		fmt.Printf("  ~ #%d %s\n", u.ID, u.Candidate.Heading)
	}
	fmt.Printf("unchanged %d:\n", len(partition.Unchanged))
	for _, s := range partition.Unchanged {
		fmt.Printf("  = #%d %s\n", s.ID, s.Title)
	}
	return nil
}

func runSummary(logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	parentID := fs.String("parent", "", "parent epic id (required)")
	fs.Parse(args)
	if *parentID == "" {
		return fmt.Errorf("summary: -parent is required")
	}

	_, eng, err := buildDeps(logger, match.DefaultThresholds())
	if err != nil {
		return err
	}

	out := eng.Extract(context.Background(), *parentID)
	if !out.Succeeded {
		return fmt.Errorf("extraction failed: %s", out.ErrorMessage)
	}

	fmt.Printf("%s (%s): %d stories\n", out.ParentID, out.ParentTitle, len(out.Stories))
	for i, s := range out.Stories {
		fmt.Printf("\n%d. %s\n   %s\n", i+1, s.Heading, s.Description)
		for _, ac := range s.AcceptanceCriteria {
			fmt.Printf("   - %s\n", ac)
		}
	}
	if issues := extractor.ValidateStories(out.Stories); len(issues) > 0 {
		fmt.Println("\nvalidation issues:")
		for _, issue := range issues {
			fmt.Printf("  ! %s\n", issue)
		}
	}
	return nil
}

func runProcessAll(logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("process-all", flag.ExitOnError)
	state := fs.String("state", "", "only process parents in this state")
	snapDir := fs.String("snapshots", "snapshots", "snapshot directory")
	fs.Parse(args)

	tc, eng, err := buildDeps(logger, match.DefaultThresholds())
	if err != nil {
		return err
	}
	store, err := snapshot.NewStore(*snapDir, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	parents, err := tc.ListParents(ctx, *state)
	if err != nil {
		return err
	}
	fmt.Printf("processing %d parents\n", len(parents))

	failures := 0
	for _, p := range parents {
		result := syncParent(ctx, eng, store, strconv.Itoa(p.ID))
		printResult(result)
		if !result.Succeeded {
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d parents failed", failures, len(parents))
	}
	return nil
}

func runMonitor(logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	configPath := fs.String("config", "monitor_config.json", "monitor configuration file")
	withAPI := fs.Bool("api", false, "serve the management REST API")
	fs.Parse(args)

	cfg, err := config.LoadMonitorConfig(*configPath)
	if err != nil {
		return err
	}
	if level, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
		zerolog.SetGlobalLevel(level)
	}

	// Tee logs into a ring buffer so the API can serve them.
	logBuf := mgmt.NewLogBuffer(1000)
	logger = zerolog.New(zerolog.MultiLevelWriter(os.Stdout, logBuf)).With().Timestamp().Caller().Logger()
	log.Logger = logger

	thresholds := match.Thresholds{
		TitleMatch:    cfg.TitleMatchThreshold,
		ContentChange: cfg.ContentChangeThreshold,
	}
	tc, eng, err := buildDeps(logger, thresholds)
	if err != nil {
		return err
	}

	store, err := snapshot.NewStore(cfg.SnapshotDirectory, logger)
	if err != nil {
		return err
	}

	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	var notifier notify.Notifier = notify.NopNotifier{}
	webhook := cfg.NotificationWebhook
	if webhook == "" {
		webhook = env.SlackWebhookURL
	}
	if webhook != "" {
		notifier = notify.NewSlackNotifier(webhook, logger)
	}

	m := metrics.New()
	mon := monitor.New(cfg, eng, tc, store, notifier, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var server *mgmt.Server
	if *withAPI {
		checker := health.NewChecker(logger)
		checker.Register("tracker", health.TrackerCheck(tc))

		handlers := mgmt.NewHandlers(mon, checker, config.NewStore(cfg, *configPath), logBuf, logger)
		server = mgmt.NewServer(mgmt.ServerConfig{
			ListenAddr: env.MgmtListenAddr,
			AuthConfig: mgmt.AuthConfig{
				Mode:      env.MgmtAuthMode,
				APIKey:    env.MgmtAPIKey,
				JWTSecret: env.MgmtJWTSecret,
			},
			CORSOrigins: env.MgmtCORSOrigins,
		}, handlers, checker, m, logger)

		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("management API server stopped")
			}
		}()
	}

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
		mon.Stop()
		if server != nil {
			if err := server.Shutdown(); err != nil {
				logger.Error().Err(err).Msg("shutting down management API failed")
			}
		}
		cancel()
	}()

	err = mon.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runCreateConfig(args []string) error {
	fs := flag.NewFlagSet("create-config", flag.ExitOnError)
	configPath := fs.String("config", "monitor_config.json", "monitor configuration file")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil {
		return fmt.Errorf("config file %s already exists", *configPath)
	}
	if err := config.SaveMonitorConfig(*configPath, config.DefaultMonitorConfig()); err != nil {
		return err
	}
	fmt.Printf("wrote default configuration to %s\n", *configPath)
	return nil
}

// runCheckTypes lists the project's work item types and reports whether the
// configured parent and child types are among them. Only tracker credentials
// are needed, so a missing OpenAI key is not an error here.
func runCheckTypes(logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("check-types", flag.ExitOnError)
	fs.Parse(args)

	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	var missing config.ValidationErrors
	for _, name := range env.Validate() {
		if name != "OPENAI_API_KEY" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return missing
	}

	tc := tracker.NewClient(tracker.Config{
		BaseURL:        env.TrackerBaseURL,
		Organization:   env.TrackerOrganization,
		Project:        env.TrackerProject,
		ParentItemType: env.ParentItemType,
		ChildItemType:  env.ChildItemType,
	}, &tracker.PATAuth{Token: env.TrackerPAT}, logger)

	types, err := tc.ListWorkItemTypes(context.Background())
	if err != nil {
		return err
	}

	available := make(map[string]bool, len(types))
	fmt.Printf("work item types in project %s:\n", env.TrackerProject)
	for _, name := range types {
		available[name] = true
		fmt.Printf("  %s\n", name)
	}
	fmt.Println()
	for _, configured := range []string{env.ParentItemType, env.ChildItemType} {
		if available[configured] {
			fmt.Printf("configured type %q: ok\n", configured)
		} else {
			fmt.Printf("configured type %q: NOT FOUND\n", configured)
		}
	}
	return nil
}

// runShowFormat prints how a generated story is rendered into tracker
// fields, using a representative sample.
func runShowFormat(args []string) error {
	fs := flag.NewFlagSet("show-format", flag.ExitOnError)
	fs.Parse(args)

	sample := models.CandidateStory{
		Heading:     "User Registration",
		Description: "As a new visitor, I want to create an account so that I can place orders",
		AcceptanceCriteria: []string{
			"Registration form validates the email address",
			"A confirmation email is sent on success",
			"Duplicate emails are rejected with a clear error",
		},
	}

	fields := sample.TrackerFields()
	fmt.Println("sample story as tracker fields:")
	for _, name := range []string{"System.Title", "System.Description"} {
		fmt.Printf("\n%s:\n%s\n", name, fields[name])
	}
	return nil
}
