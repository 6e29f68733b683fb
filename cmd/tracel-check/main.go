package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tracel/backend/pkg/sdk"
)

type Component struct {
	Name string
	Test func(ctx context.Context) error
}

func main() {
	var (
		baseURL = flag.String("url", envOr("TRACEL_URL", "http://localhost:8080"), "Tracel service base URL")
		timeout = flag.Duration("timeout", 5*time.Second, "per-check timeout")
		probeAI = flag.Bool("probe-ai", true, "exercise the AI scoring path end to end")
	)
	flag.Parse()

	client := sdk.NewClient(sdk.Config{
		BaseURL: *baseURL,
		AnonID:  fmt.Sprintf("tracel-check-%d", time.Now().Unix()),
		Timeout: *timeout,
	})

	fmt.Println("\033[96mTracel Traffic Monitor - Pre-Flight Diagnostic v1.0\033[0m")
	fmt.Println("---------------------------------------------------------")

	components := []Component{
		{"Service Liveness", func(ctx context.Context) error { return client.Health(ctx, false) }},
		{"Identity Layer", checkIdentity(client)},
		{"AI Scoring Layer", checkScoring(client, *probeAI)},
		{"History Layer", checkHistory(client)},
		{"Intel Layer", checkIntel(client)},
		{"Metrics Endpoint", checkMetrics(client, *baseURL)},
	}

	failures := 0
	for _, c := range components {
		fmt.Printf("Checking %-25s ", c.Name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		err := c.Test(ctx)
		cancel()
		if err != nil {
			failures++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failures > 0 {
		fmt.Printf("\033[31mStatus: %d of %d checks failed.\033[0m\n", failures, len(components))
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: System Ready for Live Traffic.\033[0m")
}

// --- Diagnostic Implementations ---

func checkIdentity(client *sdk.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		sess, err := client.Session(ctx)
		if err != nil {
			return err
		}
		if sess.OwnerID == "" {
			return fmt.Errorf("server minted no owner identity")
		}
		if sess.Kind != "anon" {
			return fmt.Errorf("expected anon identity, got %q", sess.Kind)
		}
		return nil
	}
}

func checkScoring(client *sdk.Client, probe bool) func(context.Context) error {
	return func(ctx context.Context) error {
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		if !st.AIReady {
			return fmt.Errorf("scoring service not ready (circuit open or AI_URL unset)")
		}
		if probe {
			return client.Health(ctx, true)
		}
		return nil
	}
}

func checkHistory(client *sdk.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		page, err := client.Packets(ctx, sdk.PacketQuery{Limit: 1})
		if err != nil {
			return err
		}
		if page.Degraded {
			return fmt.Errorf("primary store unreachable, history served from memory tier")
		}
		if _, err := client.PacketCount(ctx); err != nil {
			return err
		}
		return nil
	}
}

func checkIntel(client *sdk.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		intel, err := client.ThreatIntel(ctx, 24, 5)
		if err != nil {
			return err
		}
		for _, vector := range []string{sdk.VectorVolumetric, sdk.VectorProtocol, sdk.VectorApplication} {
			if _, ok := intel.AttackVectorDistribution[vector]; !ok {
				return fmt.Errorf("vector distribution missing %s bucket", vector)
			}
		}
		return nil
	}
}

func checkMetrics(client *sdk.Client, baseURL string) func(context.Context) error {
	return func(ctx context.Context) error {
		raw := sdk.WrapHTTPClient(client, http.DefaultClient)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/metrics", nil)
		if err != nil {
			return err
		}
		resp, err := raw.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("metrics endpoint returned %s", resp.Status)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if !strings.Contains(string(body), "tracel_") {
			return fmt.Errorf("no tracel_ series exported")
		}
		return nil
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
