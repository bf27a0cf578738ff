package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/smolclaw/internal/config"
	"github.com/basket/smolclaw/internal/doctor"
)

var statusStyles = map[string]lipgloss.Style{
	"PASS": lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	"WARN": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	"FAIL": lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	"SKIP": dimStyle,
}

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: smolclaw doctor [-json]")
		return 2
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Println(renderDiagnosis(diag))
	}

	if diag.Failed() {
		return 1
	}
	return 0
}

func renderDiagnosis(d doctor.Diagnosis) string {
	out := titleStyle.Render("smolclaw doctor") + dimStyle.Render(" "+d.Timestamp.Format(time.RFC3339)) + "\n"
	out += dimStyle.Render(fmt.Sprintf("%s/%s %s %s", d.System.OS, d.System.Arch, d.System.Go, d.System.Version)) + "\n"
	for _, r := range d.Results {
		style, ok := statusStyles[r.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		out += fmt.Sprintf("%s %-10s %s\n", style.Render(fmt.Sprintf("%-4s", r.Status)), r.Name, r.Message)
		if r.Detail != "" {
			out += dimStyle.Render("     "+r.Detail) + "\n"
		}
	}
	return out
}
