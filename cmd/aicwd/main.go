package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/aicwd/pkg/api/client"
	"github.com/splax/aicwd/pkg/ingest"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	IngestToken string `json:"ingest_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "configure":
		err = commandConfigure(args)
	case "ingest":
		err = commandIngest(args)
	case "metrics":
		err = commandMetrics(args)
	case "redteam":
		err = commandRedTeam(args)
	case "transform":
		err = commandTransform(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandConfigure(args []string) error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	token := fs.String("ingest-token", "", "Ingest token (prompted when omitted on a terminal)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}

	secret := strings.TrimSpace(*token)
	if secret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Ingest token (leave empty to keep current): ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read ingest token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret != "" {
		cfg.IngestToken = secret
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("configuration saved (api=%s)\n", cfg.APIBaseURL)
	return nil
}

func commandIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	prompt := fs.String("prompt", "", "Prompt text")
	response := fs.String("response", "", "Response text")
	tokens := fs.Uint64("tokens", 0, "Tokens consumed by the response")
	latency := fs.Duration("latency", 0, "Generation latency (e.g. 850ms)")
	model := fs.String("model", "", "Model identifier (default unknown)")
	fs.Parse(args)

	if strings.TrimSpace(*prompt) == "" {
		return errors.New("--prompt is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	emitter, err := ingest.NewEmitter(cfg.APIBaseURL, cfg.IngestToken, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, err := emitter.Emit(ctx, ingest.Interaction{
		Prompt:   *prompt,
		Response: *response,
		Tokens:   *tokens,
		Latency:  *latency,
		Model:    *model,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrUnauthorized) {
			return fmt.Errorf("%w (run 'aicwd configure --ingest-token ...')", err)
		}
		return err
	}
	fmt.Printf("log stored: %s\n", id)
	return nil
}

func commandMetrics(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: aicwd metrics latest [--limit N]")
	}
	switch args[0] {
	case "latest":
		return metricsLatest(args[1:])
	default:
		return fmt.Errorf("unknown metrics command: %s", args[0])
	}
}

func metricsLatest(args []string) error {
	fs := flag.NewFlagSet("metrics latest", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Number of points (server default when zero)")
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	snap, err := client.LatestMetrics(ctx, *limit)
	if err != nil {
		return err
	}
	for _, p := range snap.Metrics {
		fmt.Printf("%s\t%s\t%s\twaste=%.2f\tdrift=%.3f\tstress=%.3f\tefficiency=%.3f\n",
			p.CreatedAt.Format(time.RFC3339), p.LogID, p.Model, p.WasteIndex, p.Drift, p.Stress, p.TokenEfficiency)
	}
	fmt.Printf("alerts: waste=%d drift=%d stress=%d\n", snap.Alerts.Waste, snap.Alerts.Drift, snap.Alerts.Stress)
	return nil
}

func commandRedTeam(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: aicwd redteam [start|status|results|watch]")
	}
	sub := args[0]
	switch sub {
	case "start":
		return redTeamStart(args[1:])
	case "status":
		return redTeamStatus(args[1:])
	case "results":
		return redTeamResults(args[1:])
	case "watch":
		return redTeamWatch(args[1:])
	default:
		return fmt.Errorf("unknown redteam command: %s", sub)
	}
}

func redTeamStart(args []string) error {
	fs := flag.NewFlagSet("redteam start", flag.ExitOnError)
	watch := fs.Bool("watch", false, "Follow progress until the campaign finishes")
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	started, err := client.StartCampaign(ctx)
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("campaign queued: %s status=%s\n", started.CampaignID, started.Status)
	if !*watch {
		return nil
	}
	return followCampaign(client, started.CampaignID)
}

func redTeamStatus(args []string) error {
	fs := flag.NewFlagSet("redteam status", flag.ExitOnError)
	campaignID := fs.String("campaign", "", "Campaign identifier")
	fs.Parse(args)
	if strings.TrimSpace(*campaignID) == "" {
		return errors.New("--campaign is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	status, err := client.GetCampaignStatus(ctx, *campaignID)
	if err != nil {
		if apiclient.IsNotFound(err) {
			return fmt.Errorf("campaign %s not found", *campaignID)
		}
		return err
	}
	fmt.Printf("%s\t%s\t%d/%d\tfragility=%s\n", status.CampaignID, status.Status, status.Completed, status.PromptsGenerated, formatScore(status.FragilityScore))
	if status.Error != "" {
		fmt.Printf("error: %s\n", status.Error)
	}
	return nil
}

func redTeamResults(args []string) error {
	fs := flag.NewFlagSet("redteam results", flag.ExitOnError)
	campaignID := fs.String("campaign", "", "Campaign identifier")
	top := fs.Int("top", 10, "Number of worst results to display")
	fs.Parse(args)
	if strings.TrimSpace(*campaignID) == "" {
		return errors.New("--campaign is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	results, err := client.GetCampaignResults(ctx, *campaignID)
	if err != nil {
		return err
	}
	count := len(results.Results)
	if *top > 0 && *top < count {
		count = *top
	}
	for i := 0; i < count; i++ {
		r := results.Results[i]
		fmt.Printf("%d\twaste=%.2f\tcoherence_drop=%.3f\tlatency_delta=%dms\t%s\n",
			i+1, r.WasteScore, r.CoherenceDrop, r.LatencyDeltaMS, truncate(r.Prompt, 60))
	}
	return nil
}

func redTeamWatch(args []string) error {
	fs := flag.NewFlagSet("redteam watch", flag.ExitOnError)
	campaignID := fs.String("campaign", "", "Campaign identifier")
	fs.Parse(args)
	if strings.TrimSpace(*campaignID) == "" {
		return errors.New("--campaign is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	return followCampaign(client, *campaignID)
}

func followCampaign(client *apiclient.Client, campaignID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errDone := errors.New("campaign finished")
	err := client.WatchCampaign(ctx, campaignID, func(ev apiclient.ProgressEvent) error {
		fmt.Printf("%s\t%d/%d\tfragility=%s\n", ev.Status, ev.ProcessedPrompts, ev.TotalPrompts, formatScore(ev.FragilityScore))
		if ev.Error != "" {
			fmt.Printf("error: %s\n", ev.Error)
		}
		if ev.Status == "completed" || ev.Status == "failed" {
			return errDone
		}
		return nil
	})
	if errors.Is(err, errDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func commandTransform(args []string) error {
	if len(args) == 0 || args[0] != "schedule" {
		return errors.New("usage: aicwd transform schedule [--campaign <id>]")
	}
	fs := flag.NewFlagSet("transform schedule", flag.ExitOnError)
	campaignID := fs.String("campaign", "", "Optional campaign identifier")
	fs.Parse(args[1:])

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	receipt, err := client.ScheduleTransform(ctx, *campaignID)
	if err != nil {
		return err
	}
	fmt.Printf("transform %s at %s\n", receipt.Status, receipt.TriggeredAt.Format(time.RFC3339))
	return nil
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.APIBaseURL)
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *score)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: apiclient.DefaultBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = apiclient.DefaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "aicwd", "config.json"), nil
}

func printUsage() {
	fmt.Printf("aicwd CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	aicwd configure [--api http://localhost:4000] [--ingest-token token]
	aicwd ingest --prompt <text> [--response <text>] [--tokens N] [--latency 850ms] [--model name]
	aicwd metrics latest [--limit N]
	aicwd redteam start [--watch]
	aicwd redteam status --campaign <campaign-id>
	aicwd redteam results --campaign <campaign-id> [--top N]
	aicwd redteam watch --campaign <campaign-id>
	aicwd transform schedule [--campaign <campaign-id>]
	aicwd version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
