package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/tracel/backend/pkg/sdk"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("TRACEL_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := sdk.NewClient(sdk.Config{
		BaseURL: baseURL,
		AnonID:  os.Getenv("TRACEL_ANON_ID"),
		Token:   os.Getenv("TRACEL_TOKEN"),
	})

	switch os.Args[1] {
	case "intel":
		cmdIntel(client)
	case "timeline":
		cmdTimeline(client)
	case "watch":
		cmdWatch(client)
	case "contacts":
		cmdContacts(client, baseURL)
	case "reset":
		cmdReset(client, baseURL)
	case "version":
		fmt.Printf("tracel-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Tracel Ops CLI v` + version + `

Usage: tracel <command> [flags]

Commands:
  intel      Threat report for your identity
  timeline   Incident timeline (hourly/daily/monthly buckets)
  watch      Stream the live packet feed to stdout
  contacts   List contact-form submissions (admin)
  reset      Wipe all stored traffic (admin)
  version    Print version
  help       Show this help

Environment:
  TRACEL_URL       Service URL (default: http://localhost:8080)
  TRACEL_TOKEN     Bearer token for admin commands
  TRACEL_ANON_ID   Anonymous identity to present (default: auto)

Examples:
  tracel intel --hours 72 --top 10
  tracel timeline --bucket day
  tracel watch --threats-only
  tracel reset --confirm RESET`)
}

// ----------------------------------------------------------------
// intel command
// ----------------------------------------------------------------

func cmdIntel(client *sdk.Client) {
	hours, top := 24, 5

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--hours":
			i++
			if i < len(args) {
				hours, _ = strconv.Atoi(args[i])
			}
		case "--top":
			i++
			if i < len(args) {
				top, _ = strconv.Atoi(args[i])
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	intel, err := client.ThreatIntel(ctx, hours, top)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("🎯 THREAT REPORT (last %dh)\n", intel.SinceHours)
	fmt.Printf("Total Threats: %d\n", intel.TotalThreats)
	if intel.Degraded {
		fmt.Println("⚠️  Served from memory tier (primary store degraded)")
	}

	if len(intel.TopHostileIPs) > 0 {
		fmt.Printf("\n%-18s %-7s %s\n", "HOSTILE IP", "COUNT", "LAST SEEN")
		fmt.Println("--------------------------------------------------")
		for _, row := range intel.TopHostileIPs {
			fmt.Printf("%-18s %-7d %s\n", row.IP, row.Count, row.LastSeen.Format(time.RFC3339))
		}
	}

	fmt.Printf("\n%-14s %s\n", "VECTOR", "COUNT")
	fmt.Println("--------------------")
	for _, vector := range []string{sdk.VectorVolumetric, sdk.VectorProtocol, sdk.VectorApplication} {
		fmt.Printf("%-14s %d\n", vector, intel.AttackVectorDistribution[vector])
	}

	if len(intel.GeoAllCountries) > 0 {
		fmt.Printf("\n%-20s %-7s %s\n", "COUNTRY", "COUNT", "PCT")
		fmt.Println("----------------------------------")
		for _, row := range intel.GeoAllCountries {
			fmt.Printf("%-20s %-7d %d%%\n", row.Name, row.Count, row.Pct)
		}
	}
}

// ----------------------------------------------------------------
// timeline command
// ----------------------------------------------------------------

func cmdTimeline(client *sdk.Client) {
	var query sdk.TimelineQuery

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--from":
			i++
			if i < len(args) && args[i] != "account" {
				ts, err := time.Parse(time.RFC3339, args[i])
				if err != nil {
					fmt.Fprintln(os.Stderr, "Error: --from must be RFC3339 or \"account\"")
					os.Exit(1)
				}
				query.From = ts
			}
		case "--to":
			i++
			if i < len(args) {
				ts, err := time.Parse(time.RFC3339, args[i])
				if err != nil {
					fmt.Fprintln(os.Stderr, "Error: --to must be RFC3339")
					os.Exit(1)
				}
				query.To = ts
			}
		case "--bucket":
			i++
			if i < len(args) {
				query.Bucket = args[i]
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tl, err := client.Timeline(ctx, query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	if len(tl.Timeline) == 0 {
		fmt.Println("No traffic in the selected window.")
		return
	}

	fmt.Printf("Incidents %s → %s (%s buckets)\n",
		tl.From.Format(time.RFC3339), tl.To.Format(time.RFC3339), tl.Bucket)
	if tl.Degraded {
		fmt.Println("⚠️  Served from memory tier (primary store degraded)")
	}
	fmt.Printf("\n%-20s %s\n", "BUCKET", "ATTACKS")
	fmt.Println("----------------------------")
	for _, b := range tl.Timeline {
		fmt.Printf("%-20s %d\n", b.Bucket, b.Attacks)
	}
}

// ----------------------------------------------------------------
// watch command
// ----------------------------------------------------------------

func cmdWatch(client *sdk.Client) {
	threatsOnly := false
	for _, arg := range os.Args[2:] {
		if arg == "--threats-only" {
			threatsOnly = true
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("📡 Streaming live packets (Ctrl-C to stop)...")
	err := client.StreamFeed(ctx, func(p *sdk.Packet) {
		if p.IsAnomaly {
			score := 0.0
			if p.AnomalyScore != nil {
				score = *p.AnomalyScore
			}
			fmt.Printf("🚨 %s -> %s [%s] score=%.3f\n", p.SourceIP, p.DestinationIP, p.AttackVector, score)
			return
		}
		if !threatsOnly {
			fmt.Printf("·  %s -> %s %s:%d %dB\n", p.SourceIP, p.DestinationIP, p.Protocol, p.DstPort, p.Bytes)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "❌ Stream failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Stream closed.")
}

// ----------------------------------------------------------------
// contacts command (admin)
// ----------------------------------------------------------------

func cmdContacts(client *sdk.Client, baseURL string) {
	limit := 100
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--limit" {
			i++
			if i < len(args) {
				limit, _ = strconv.Atoi(args[i])
			}
		}
	}

	var result struct {
		Contacts []struct {
			ID         string    `json:"id"`
			Name       string    `json:"name"`
			Email      string    `json:"email"`
			Org        string    `json:"org,omitempty"`
			Message    string    `json:"message"`
			ReceivedAt time.Time `json:"received_at"`
		} `json:"contacts"`
		Degraded bool `json:"degraded"`
	}
	url := fmt.Sprintf("%s/api/contact?limit=%d", baseURL, limit)
	if err := doAdmin(client, http.MethodGet, url, nil, &result); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}

	if len(result.Contacts) == 0 {
		fmt.Println("No submissions.")
		return
	}

	fmt.Printf("%-22s %-18s %-26s %s\n", "RECEIVED", "NAME", "EMAIL", "ORG")
	fmt.Println("------------------------------------------------------------------------------")
	for _, c := range result.Contacts {
		fmt.Printf("%-22s %-18s %-26s %s\n",
			c.ReceivedAt.Format("2006-01-02 15:04:05Z"), c.Name, c.Email, c.Org)
	}
	fmt.Printf("\n%d submission(s)\n", len(result.Contacts))
	if result.Degraded {
		fmt.Println("⚠️  Served from the in-memory inbox (primary store degraded)")
	}
}

// ----------------------------------------------------------------
// reset command (admin)
// ----------------------------------------------------------------

func cmdReset(client *sdk.Client, baseURL string) {
	confirmed := false
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--confirm" {
			i++
			if i < len(args) && args[i] == "RESET" {
				confirmed = true
			}
		}
	}
	if !confirmed {
		fmt.Fprintln(os.Stderr, "Refusing to wipe without --confirm RESET")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]string{"confirm": "RESET"})
	if err := doAdmin(client, http.MethodPost, baseURL+"/api/admin/reset-mongo", body, nil); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Reset failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("🧹 All stored traffic wiped.")
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

// doAdmin issues a raw API call through the SDK's wrapped transport, so the
// identity and bearer headers ride along, and decodes the {ok,error}
// envelope. The admin surface is deliberately not part of the typed SDK.
func doAdmin(client *sdk.Client, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpc := sdk.WrapHTTPClient(client, &http.Client{Timeout: 30 * time.Second})
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unexpected response: %s", resp.Status)
	}
	if !env.OK {
		if env.Error == "" {
			env.Error = resp.Status
		}
		return errors.New(env.Error)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
