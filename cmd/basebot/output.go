package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"basebot/internal/domain"
	"basebot/internal/infra/journal"
)

func writeJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func printReport(report domain.Report, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(report)
	}
	fmt.Printf("batch=%s results=%d duration=%s\n", report.BatchID, len(report.Results), report.Duration.Round(time.Millisecond))
	for i, res := range report.Results {
		status := "ok"
		if !res.OK() {
			status = "error: " + res.Err.Error()
		}
		fmt.Printf("[%d] %s.%s %s\n", i, res.Invocation.Provider, res.Invocation.Method, status)
		for _, entry := range res.Tokens {
			fmt.Printf("    %s\n", formatToken(entry))
		}
	}
	if len(report.Supplemental) > 0 {
		fmt.Printf("supplemental=%d\n", len(report.Supplemental))
	}
	addresses := make([]string, 0, len(report.Verdicts))
	for address := range report.Verdicts {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	for _, address := range addresses {
		verdict := report.Verdicts[address]
		cached := ""
		if verdict.Cached {
			cached = " (cached)"
		}
		fmt.Printf("verdict %s %s%s: %s\n", address, verdict.Verdict, cached, verdict.Reason)
	}
	return nil
}

func formatToken(entry *domain.TokenEntry) string {
	parts := []string{entry.Address}
	if entry.Symbol != "" {
		parts = append(parts, entry.Symbol)
	}
	if entry.Chain != "" {
		parts = append(parts, "chain="+entry.Chain)
	}
	if entry.PairAddress != "" {
		parts = append(parts, "pair="+entry.PairAddress)
	}
	if entry.LiquidityUSD > 0 {
		parts = append(parts, fmt.Sprintf("liquidity=$%.0f", entry.LiquidityUSD))
	}
	if entry.Safety != nil {
		parts = append(parts, "safety="+string(entry.Safety.Verdict))
	}
	return strings.Join(parts, " ")
}

func printCatalog(tools []domain.ToolDescriptor, jsonOutput bool) error {
	if jsonOutput {
		if tools == nil {
			tools = []domain.ToolDescriptor{}
		}
		return writeJSON(map[string]any{"tools": tools})
	}
	fmt.Printf("tools=%d\n", len(tools))
	for _, tool := range tools {
		if tool.Description != "" {
			fmt.Printf("%s\t%s\n", tool.Name, tool.Description)
			continue
		}
		fmt.Println(tool.Name)
	}
	return nil
}

func printHistory(records []journal.Record, jsonOutput bool) error {
	if jsonOutput {
		if records == nil {
			records = []journal.Record{}
		}
		return writeJSON(map[string]any{"batches": records})
	}
	for _, record := range records {
		fmt.Printf("#%d %s %s results=%d failures=%d verdicts=%d duration=%s\n",
			record.Seq,
			record.StartedAt.Format(time.RFC3339),
			record.BatchID,
			record.Results,
			record.Failures,
			len(record.Verdicts),
			record.Duration.Round(time.Millisecond),
		)
	}
	return nil
}
