package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/text/currency"

	"github.com/agentworkforce/relaycache/internal/config"
	"github.com/agentworkforce/relaycache/internal/feed"
	"github.com/agentworkforce/relaycache/internal/logging"
	"github.com/agentworkforce/relaycache/internal/replica"
	"github.com/agentworkforce/relaycache/internal/rollup"
	"github.com/agentworkforce/relaycache/internal/store"
)

const dateLayout = "2006-01-02"

func main() {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	configPath := flag.String("config", envOrDefault("RELAYCACHE_CONFIG", ""), "path to a YAML config file")
	start := flag.String("start", monthStart.Format(dateLayout), "first day of the report (YYYY-MM-DD)")
	end := flag.String("end", now.Format(dateLayout), "last day of the report (YYYY-MM-DD)")
	clients := flag.String("clients", "", "comma-separated client ids")
	projects := flag.String("projects", "", "comma-separated project ids")
	collaborators := flag.String("collaborators", "", "comma-separated user ids")
	unit := flag.String("currency", envOrDefault("RELAYCACHE_REPORT_CURRENCY", "BRL"), "ISO 4217 currency code for values")
	interval := flag.Duration("interval", durationEnv("RELAYCACHE_REPORT_INTERVAL", time.Minute), "refresh interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("RELAYCACHE_REPORT_INTERVAL_JITTER", 0.2), "refresh interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("RELAYCACHE_REPORT_TIMEOUT", 30*time.Second), "per-refresh timeout")
	once := flag.Bool("once", false, "print one report and exit")
	flag.Parse()

	filter, err := buildFilter(*start, *end, *clients, *projects, *collaborators)
	if err != nil {
		log.Fatalf("invalid report range: %v", err)
	}
	money, err := currency.ParseISO(strings.TrimSpace(*unit))
	if err != nil {
		log.Fatalf("invalid currency %q: %v", *unit, err)
	}
	if *interval <= 0 {
		*interval = time.Minute
	}
	if *timeout <= 0 {
		*timeout = 30 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logCloser.Close()

	st, consumer, err := buildReplica(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize report", "error", err)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := consumer.Resync(ctx); err != nil {
			logger.Warn("report refresh failed", "error", err)
			return
		}
		writeReport(os.Stdout, rollup.Compute(st.Snapshot(), filter), money)
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("report stopping", "reason", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// buildReplica wires a consumer that is only ever resynced; the report reads
// consistent bulk loads and never subscribes to the change feed.
func buildReplica(cfg config.Config, logger *slog.Logger) (*store.Store, *replica.Consumer, error) {
	opts, err := cfg.FeedOptions()
	if err != nil {
		return nil, nil, err
	}
	opts.Logger = logger
	source, err := feed.BuildSourceFromDSN(cfg.SourceDSN, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("build source: %w", err)
	}
	changes, err := feed.BuildFeedFromDSN(cfg.FeedDSN, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("build feed: %w", err)
	}
	st, err := store.New()
	if err != nil {
		return nil, nil, err
	}
	consumer, err := replica.NewConsumer(st, source, changes, nil, replica.Options{
		Tables: opts.Tables,
		Logger: logger.With("component", "replica"),
	})
	if err != nil {
		return nil, nil, err
	}
	return st, consumer, nil
}

func buildFilter(start, end, clients, projects, collaborators string) (rollup.Filter, error) {
	from, err := time.Parse(dateLayout, strings.TrimSpace(start))
	if err != nil {
		return rollup.Filter{}, fmt.Errorf("start: %w", err)
	}
	to, err := time.Parse(dateLayout, strings.TrimSpace(end))
	if err != nil {
		return rollup.Filter{}, fmt.Errorf("end: %w", err)
	}
	if to.Before(from) {
		return rollup.Filter{}, fmt.Errorf("end %s precedes start %s", end, start)
	}
	return rollup.Filter{
		Start:           from,
		End:             to,
		ClientIDs:       splitList(clients),
		ProjectIDs:      splitList(projects),
		CollaboratorIDs: splitList(collaborators),
	}, nil
}

// writeReport prints the client > project > collaborator tree as an aligned
// table followed by the grand total.
func writeReport(out io.Writer, r rollup.Rollup, unit currency.Unit) {
	money := func(v float64) string {
		return fmt.Sprint(currency.Symbol(unit.Amount(v)))
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "CLIENT\tPROJECT\tCOLLABORATOR\tHOURS\tVALUE\tSHARE\tRATE\n")
	for _, client := range r.Clients {
		fmt.Fprintf(w, "%s\t\t\t%.2f\t%s\t\t\n", label(client.Name, client.Unresolved), client.Hours, money(client.Value))
		for _, project := range client.Projects {
			rate := "-"
			if project.EffectiveRate != nil {
				rate = money(*project.EffectiveRate)
			}
			fmt.Fprintf(w, "\t%s\t\t%.2f\t%s\t\t%s\n", label(project.Name, project.Unresolved), project.Hours, money(project.Value), rate)
			for _, collab := range project.Collaborators {
				fmt.Fprintf(w, "\t\t%s\t%.2f\t%s\t%.1f%%\t\n", label(collab.Name, collab.Unresolved), collab.Hours, money(collab.Value), collab.Share)
			}
		}
	}
	fmt.Fprintf(w, "TOTAL\t\t\t%.2f\t%s\t\t\n", r.Hours, money(r.Value))
	_ = w.Flush()
	fmt.Fprintf(out, "%d entries, generation %d\n", r.Entries, r.Generation)
}

func label(name string, unresolved bool) string {
	if unresolved {
		return name + " (?)"
	}
	return name
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = clampJitterRatio(sample)
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
