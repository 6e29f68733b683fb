package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tracel/backend/pkg/sdk"
)

func main() {
	client := sdk.NewClient(sdk.Config{
		BaseURL: "http://localhost:8080",
		AnonID:  "demo-dashboard-01",
	})

	fmt.Println("🤖 Demo Client Starting: Tracel Live Monitor")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1. Resolve identity
	fmt.Println("📡 Connecting to Tracel...")
	sess, err := client.Session(ctx)
	if err != nil {
		log.Fatalf("❌ session failed: %v", err)
	}
	fmt.Printf("✅ Identity Resolved: %s (%s)\n", sess.OwnerID, sess.Kind)

	st, err := client.Status(ctx)
	if err != nil {
		log.Fatalf("❌ status failed: %v", err)
	}
	fmt.Printf("🧠 AI Scoring Ready: %t\n", st.AIReady)

	// 2. Watch live traffic; connecting to the feed starts the pipeline.
	fmt.Println("\n⏳ Watching live traffic for 10 seconds...")
	feedCtx, stopFeed := context.WithTimeout(ctx, 10*time.Second)
	defer stopFeed()

	var seen, threats int
	err = client.StreamFeed(feedCtx, func(p *sdk.Packet) {
		seen++
		if p.IsAnomaly {
			threats++
			fmt.Printf("🚨 THREAT: %s -> %s [%s] score=%.3f\n",
				p.SourceIP, p.DestinationIP, p.AttackVector, deref(p.AnomalyScore))
		}
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatalf("❌ feed failed: %v", err)
	}
	fmt.Printf("✅ Stream complete: %d packets seen, %d flagged\n", seen, threats)

	// 3. Pull the threat report
	fmt.Println("\n⏳ Requesting 24h Threat Report...")
	intel, err := client.ThreatIntel(ctx, 24, 3)
	if err != nil {
		log.Fatalf("❌ threat intel failed: %v", err)
	}

	fmt.Printf("\n🎯 THREAT REPORT (last %dh)\n", intel.SinceHours)
	fmt.Printf("Total Threats: %d\n", intel.TotalThreats)
	for _, ip := range intel.TopHostileIPs {
		fmt.Printf("  · %s (%d hits, last seen %s)\n", ip.IP, ip.Count, ip.LastSeen.Format(time.RFC3339))
	}
	for _, vector := range []string{sdk.VectorVolumetric, sdk.VectorProtocol, sdk.VectorApplication} {
		fmt.Printf("  · %-12s %d\n", vector, intel.AttackVectorDistribution[vector])
	}
	fmt.Println("✅ Demo complete.")
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
