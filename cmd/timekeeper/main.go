package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/timekeeper/internal/config"
	"git.home.luguber.info/inful/timekeeper/internal/kv"
	"git.home.luguber.info/inful/timekeeper/internal/metrics"
	"git.home.luguber.info/inful/timekeeper/internal/model"
	"git.home.luguber.info/inful/timekeeper/internal/notify"
	"git.home.luguber.info/inful/timekeeper/internal/tracker"
	"git.home.luguber.info/inful/timekeeper/internal/trackerr"
	"git.home.luguber.info/inful/timekeeper/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path (optional, defaults apply without one)"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Start struct {
		Scope string `arg:"" help:"Task scope ID"`
	} `cmd:"" help:"Start the task-level timer"`

	Stop struct {
		Scope       string `arg:"" help:"Task scope ID"`
		Description string `short:"d" help:"Description for the recorded entry"`
		Member      string `short:"m" help:"Member ID to attribute the entry to"`
	} `cmd:"" help:"Stop the task-level timer and record an entry"`

	Pause struct {
		Scope string `arg:"" help:"Task scope ID"`
		Item  string `short:"i" help:"Checklist item ID (task-level timer when omitted)"`
	} `cmd:"" help:"Pause a running timer without closing it"`

	Resume struct {
		Scope string `arg:"" help:"Task scope ID"`
		Item  string `short:"i" help:"Checklist item ID (task-level timer when omitted)"`
	} `cmd:"" help:"Resume a paused timer"`

	Item struct {
		Start struct {
			Scope string `arg:"" help:"Task scope ID"`
			Item  string `arg:"" help:"Checklist item ID"`
		} `cmd:"" help:"Start a checklist-item timer"`

		Stop struct {
			Scope       string `arg:"" help:"Task scope ID"`
			Item        string `arg:"" help:"Checklist item ID"`
			Description string `short:"d" help:"Description for the recorded entry"`
			Member      string `short:"m" help:"Member ID to attribute the entry to"`
		} `cmd:"" help:"Stop a checklist-item timer and record an entry"`
	} `cmd:"" help:"Checklist-item timers"`

	Estimate struct {
		Scope string        `arg:"" help:"Task scope ID"`
		Value time.Duration `arg:"" help:"Estimate (e.g. 2h30m); 0 clears a manual estimate"`
		Item  string        `short:"i" help:"Set the estimate on a checklist item instead"`
	} `cmd:"" help:"Set or clear an estimate"`

	Entries struct {
		List struct {
			Scope string `arg:"" help:"Task scope ID"`
		} `cmd:"" help:"List all recorded entries, newest first"`

		Update struct {
			Scope       string         `arg:"" help:"Task scope ID"`
			ID          string         `arg:"" help:"Entry ID"`
			Description *string        `help:"New description"`
			Duration    *time.Duration `help:"New duration"`
			Item        *string        `help:"Move the entry to a checklist item (empty detaches)"`
		} `cmd:"" help:"Update one recorded entry"`

		Delete struct {
			Scope string `arg:"" help:"Task scope ID"`
			ID    string `arg:"" help:"Entry ID"`
		} `cmd:"" help:"Delete one recorded entry"`
	} `cmd:"" help:"Recorded time entries"`

	Status struct {
		Scope string `arg:"" help:"Task scope ID"`
	} `cmd:"" help:"Show timer state, totals and estimates"`

	Usage struct {
		Scope string `arg:"" help:"Task scope ID"`
	} `cmd:"" help:"Show per-key storage usage against the size ceiling"`

	Migrate struct {
		Scope string `arg:"" help:"Task scope ID"`
	} `cmd:"" help:"Rewrite legacy-format data into the paginated format"`

	Daemon struct {
		Scopes []string `arg:"" optional:"" help:"Scope IDs to watch"`
	} `cmd:"" help:"Run the metrics daemon with periodic usage sweeps"`

	Version struct{} `cmd:"" help:"Show version information"`
}

func main() {
	ctx := kong.Parse(&CLI)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "timekeeper: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	if err := run(ctx.Command(), cfg); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(command string, cfg *config.Config) error {
	if command == "version" {
		fmt.Printf("timekeeper %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return nil
	}
	if strings.HasPrefix(command, "daemon") {
		return runDaemon(cfg, CLI.Daemon.Scopes)
	}

	svc, cleanup, err := buildService(cfg, metrics.NoopRecorder{})
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	switch command {
	case "start <scope>":
		res, err := svc.StartGlobal(ctx, CLI.Start.Scope)
		if err != nil {
			return err
		}
		reportWarnings(res.Warnings)
		fmt.Println("timer started")
		return nil

	case "stop <scope>":
		res, err := svc.StopGlobal(ctx, CLI.Stop.Scope, CLI.Stop.Description, CLI.Stop.Member)
		if err != nil {
			return err
		}
		reportWarnings(res.Warnings)
		fmt.Printf("recorded %s (%s)\n", formatMS(res.Entry.Duration), res.Entry.ID)
		return nil

	case "pause <scope>":
		var res *tracker.OpResult
		if CLI.Pause.Item != "" {
			res, err = svc.PauseItem(ctx, CLI.Pause.Scope, CLI.Pause.Item)
		} else {
			res, err = svc.PauseGlobal(ctx, CLI.Pause.Scope)
		}
		if err != nil {
			return err
		}
		reportWarnings(res.Warnings)
		fmt.Println("timer paused")
		return nil

	case "resume <scope>":
		var res *tracker.OpResult
		if CLI.Resume.Item != "" {
			res, err = svc.ResumeItem(ctx, CLI.Resume.Scope, CLI.Resume.Item)
		} else {
			res, err = svc.ResumeGlobal(ctx, CLI.Resume.Scope)
		}
		if err != nil {
			return err
		}
		reportWarnings(res.Warnings)
		fmt.Println("timer resumed")
		return nil

	case "item start <scope> <item>":
		res, err := svc.StartItem(ctx, CLI.Item.Start.Scope, CLI.Item.Start.Item)
		if err != nil {
			return err
		}
		reportWarnings(res.Warnings)
		fmt.Printf("item %s started\n", CLI.Item.Start.Item)
		return nil

	case "item stop <scope> <item>":
		res, err := svc.StopItem(ctx, CLI.Item.Stop.Scope, CLI.Item.Stop.Item, CLI.Item.Stop.Description, CLI.Item.Stop.Member)
		if err != nil {
			return err
		}
		reportWarnings(res.Warnings)
		fmt.Printf("recorded %s on item %s (%s)\n", formatMS(res.Entry.Duration), CLI.Item.Stop.Item, res.Entry.ID)
		return nil

	case "estimate <scope> <value>":
		ms := CLI.Estimate.Value.Milliseconds()
		if CLI.Estimate.Item != "" {
			_, err = svc.SetItemEstimate(ctx, CLI.Estimate.Scope, CLI.Estimate.Item, ms)
		} else {
			_, err = svc.SetEstimate(ctx, CLI.Estimate.Scope, ms)
		}
		if err != nil {
			return err
		}
		if ms <= 0 {
			fmt.Println("estimate cleared")
		} else {
			fmt.Printf("estimate set to %s\n", formatMS(ms))
		}
		return nil

	case "entries list <scope>":
		return runEntriesList(ctx, svc, CLI.Entries.List.Scope)

	case "entries update <scope> <id>":
		patch := tracker.EntryPatch{Description: CLI.Entries.Update.Description, ChecklistItemID: CLI.Entries.Update.Item}
		if CLI.Entries.Update.Duration != nil {
			ms := CLI.Entries.Update.Duration.Milliseconds()
			patch.Duration = &ms
		}
		res, err := svc.UpdateEntry(ctx, CLI.Entries.Update.Scope, CLI.Entries.Update.ID, patch)
		if err != nil {
			return err
		}
		reportWarnings(res.Warnings)
		fmt.Printf("entry %s updated\n", res.Entry.ID)
		return nil

	case "entries delete <scope> <id>":
		res, err := svc.DeleteEntry(ctx, CLI.Entries.Delete.Scope, CLI.Entries.Delete.ID)
		if err != nil {
			return err
		}
		reportWarnings(res.Warnings)
		fmt.Printf("entry %s deleted\n", res.Entry.ID)
		return nil

	case "status <scope>":
		return runStatus(ctx, svc, CLI.Status.Scope)

	case "usage <scope>":
		return runUsage(ctx, svc, CLI.Usage.Scope)

	case "migrate <scope>":
		migrated, err := svc.Migrate(ctx, CLI.Migrate.Scope)
		if err != nil {
			return err
		}
		if migrated {
			fmt.Println("migrated to paginated format")
		} else {
			fmt.Println("already in current format")
		}
		return nil

	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// buildService wires the configured store backend into a tracker service.
// The returned cleanup closes the store and the event publisher.
func buildService(cfg *config.Config, rec metrics.Recorder) (*tracker.Service, func(), error) {
	var (
		store kv.Store
		err   error
	)
	switch cfg.Store.Backend {
	case config.BackendMemory:
		store = kv.NewMemoryStore()
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		store, err = kv.NewSQLiteStoreWithPolicy(cfg.Store.Path, cfg.RetryPolicy())
		if err != nil {
			return nil, nil, err
		}
	}

	var publisher notify.Publisher = notify.Noop{}
	if cfg.NATS.URL != "" {
		p, err := notify.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			// Events are best-effort; a dead broker must not block tracking.
			slog.Warn("Event publishing disabled", "error", err)
		} else {
			publisher = p
		}
	}

	archive := tracker.NewArchive(kv.NewBounded(store, cfg.Store.LimitBytes, rec), cfg.TrackerOptions(), rec)

	cleanup := func() {
		publisher.Close()
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}
	return tracker.NewService(archive, tracker.WithNotifier(publisher)), cleanup, nil
}

func runEntriesList(ctx context.Context, svc *tracker.Service, scope string) error {
	entries, info := svc.Entries(ctx, scope)
	if info.MigrationPending {
		fmt.Fprintln(os.Stderr, "note: scope uses the legacy format, run `timekeeper migrate` to convert")
	}
	if info.DroppedEntries > 0 {
		fmt.Fprintf(os.Stderr, "note: %d unreadable entries were skipped\n", info.DroppedEntries)
	}
	if len(entries) == 0 {
		fmt.Println("no entries")
		return nil
	}
	for _, e := range entries {
		item := e.ChecklistItemID
		if item == "" {
			item = "-"
		}
		fmt.Printf("%s  %s  %-10s  item=%s  %s\n",
			e.ID,
			time.UnixMilli(e.CreatedAt).Format(time.RFC3339),
			formatMS(e.Duration),
			item,
			e.Description)
	}
	return nil
}

func runStatus(ctx context.Context, svc *tracker.Service, scope string) error {
	data := svc.State(ctx, scope)

	fmt.Printf("state: %s\n", data.State)
	if ref, active := tracker.RunningScope(data); active {
		where := "task"
		elapsed := svc.Elapsed(data, "")
		if !ref.Global {
			where = "item " + ref.ItemID
			elapsed = svc.Elapsed(data, ref.ItemID)
		}
		fmt.Printf("active: %s, elapsed %s\n", where, formatMS(elapsed))
	}
	fmt.Printf("total tracked: %s over %d entries\n", formatMS(tracker.TotalTracked(data)), data.Global().EntryCount)
	if est := tracker.EffectiveEstimate(data); est > 0 {
		source := "derived"
		if data.ManualEstimate {
			source = "manual"
		}
		fmt.Printf("estimate: %s (%s)\n", formatMS(est), source)
	}
	for _, itemID := range sortedItemIDs(data.ChecklistTotals) {
		item := data.ChecklistTotals[itemID]
		fmt.Printf("  item %s: %s over %d entries\n", itemID, formatMS(item.TotalTime), item.EntryCount)
	}
	return nil
}

func runUsage(ctx context.Context, svc *tracker.Service, scope string) error {
	// Loading first populates the size accounting for persisted keys.
	svc.Entries(ctx, scope)
	usage := svc.Archive().Usage(scope)
	fmt.Printf("limit: %d bytes per key\n", usage.LimitBytes)
	fmt.Printf("total: %d bytes, fullest key at %.1f%%\n", usage.TotalBytes, usage.FullestKeyPercent)
	for _, key := range sortedKeys(usage.PerKey) {
		fmt.Printf("  %-28s %6d bytes\n", key, usage.PerKey[key])
	}
	return nil
}

func reportWarnings(warnings []*trackerr.TrackerError) {
	for _, w := range warnings {
		slog.Warn("Partial save", "kind", w.Kind, "detail", w.Message)
	}
}

func formatMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Truncate(time.Second).String()
}

func sortedItemIDs(m map[string]*model.ScopeState) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
