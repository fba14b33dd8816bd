package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"valet/internal/config"
	"valet/internal/doctor"
	"valet/internal/store"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: valet status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.TaskDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open task database: %v\n", err)
		return 1
	}
	defer st.Close()

	counts, err := st.TaskStatusCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	fmt.Printf("queue:     %d pending\n", counts.Pending)
	fmt.Printf("in flight: %d locked, %d running\n", counts.Locked, counts.Running)
	fmt.Printf("finished:  %d completed, %d failed\n", counts.Completed, counts.Failed)

	running, err := st.ListTasksByStatus(ctx, store.TaskStatusRunning, 10)
	if err == nil && len(running) > 0 {
		fmt.Println("---")
		for _, task := range running {
			fmt.Printf("#%-5d %-9s %-10s %s\n", task.ID, task.Source, task.UserID, truncate(task.Prompt, 60))
		}
	}
	return 0
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func printDiagnosisJSON(d doctor.Diagnosis) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
	}
}

func printDiagnosisText(d doctor.Diagnosis) {
	fmt.Printf("Valet Doctor Report (%s)\n", d.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", d.System.OS, d.System.Arch, d.System.Go)
	fmt.Println("---")
	for _, res := range d.Results {
		icon := "✅"
		switch res.Status {
		case "FAIL":
			icon = "❌"
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		}
		fmt.Printf("%s %-12s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}
}
