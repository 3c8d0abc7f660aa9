package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/raine/werkaholic-scanner/internal/frame"
	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/raine/werkaholic-scanner/internal/llm"
	"github.com/spf13/cobra"
)

func runQuota(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := store.GetQuota(userID)
	if err != nil {
		return err
	}
	printQuota(cmd, q)
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := store.SetPlan(userID, listing.ParsePlan(args[0]))
	if err != nil {
		return err
	}
	printQuota(cmd, q)
	return nil
}

func printQuota(cmd *cobra.Command, q listing.QuotaState) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user:      %s\n", userID)
	fmt.Fprintf(out, "plan:      %s\n", q.Plan)
	fmt.Fprintf(out, "used:      %d\n", q.ScansUsed)
	if q.Remaining() < 0 {
		fmt.Fprintln(out, "remaining: unlimited")
	} else {
		fmt.Fprintf(out, "remaining: %d of %d\n", q.Remaining(), q.Limit())
	}
	fmt.Fprintf(out, "resets:    %s\n", q.ResetDate.Local().Format("2006-01-02 15:04"))
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListHistory(userID, historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "no results yet")
		return nil
	}
	for _, e := range entries {
		source := "auto"
		if e.Manual {
			source = "manual"
		}
		fmt.Fprintf(out, "%s  %-6s  %s", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), source, e.Result.Title)
		if e.Result.PriceEstimate != "" {
			fmt.Fprintf(out, "  (%s)", e.Result.PriceEstimate)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	mimeType := frame.MIMETypeFromPath(args[0])
	if mimeType == "" {
		mimeType = frame.DetectMIMEType(data)
	}

	gemini, err := llm.NewGeminiClassifier(cmd.Context(), os.Getenv("GEMINI_API_KEY"))
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := llm.NewCachedClassifier(gemini, store).Classify(cmd.Context(), data, mimeType)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(result)
}
