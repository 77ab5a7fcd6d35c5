package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-relay/extract"
	"github.com/dhcgn/mail-relay/filter"
	"github.com/dhcgn/mail-relay/mbox"
	"github.com/dhcgn/mail-relay/model"
	"github.com/dhcgn/mail-relay/stats"
)

const (
	categoryFrom      = "From"
	categorySubject   = "Subject"
	categoryRejection = "Rejection-Reason"
)

var reportCategories = []string{categoryFrom, categorySubject, categoryRejection}

var (
	reportDir string
	topN      int
)

// archiveReport is the outcome of classifying every message of an archive
// without storing anything.
type archiveReport struct {
	Total    int
	Accepted int
	Codes    int
	counter  map[string]map[string]int
}

func newArchiveReport() *archiveReport {
	counter := make(map[string]map[string]int, len(reportCategories))
	for _, c := range reportCategories {
		counter[c] = make(map[string]int)
	}
	return &archiveReport{counter: counter}
}

func (r *archiveReport) add(msg model.Message, f *filter.Filter, x *extract.Extractor) {
	r.Total++
	if msg.FromText != "" {
		r.counter[categoryFrom][msg.FromText]++
	}
	if msg.Subject != "" {
		r.counter[categorySubject][msg.Subject]++
	}

	if err := f.Check(msg); err != nil {
		reason := "unknown"
		if rr := filter.Reason(err); rr != nil {
			reason = rr.Error()
		}
		r.counter[categoryRejection][reason]++
		return
	}

	r.Accepted++
	if _, ok := x.ExtractBody(msg.Text, msg.HTML); ok {
		r.Codes++
	}
}

func classifyArchive(src io.Reader, f *filter.Filter, x *extract.Extractor, progress func(*archiveReport)) (*archiveReport, error) {
	report := newArchiveReport()
	err := mbox.ReadFrom(src, func(msg model.Message) error {
		report.add(msg, f, x)
		if progress != nil && report.Total%250 == 0 {
			progress(report)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	return report, nil
}

var mboxStatsCmd = &cobra.Command{
	Use:   "mbox-stats [mbox file]",
	Short: "Classify an mbox file against the relay filter and show statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		mboxPath := args[0]
		fmt.Println("Analyzing mbox file:", mboxPath)

		f, err := newFilter(cfg)
		if err != nil {
			return err
		}

		file, err := os.Open(mboxPath)
		if err != nil {
			return fmt.Errorf("open mbox: %w", err)
		}
		defer file.Close()

		printStats := func(r *archiveReport) {
			// ANSI escape code to clear screen and move cursor to top-left
			fmt.Print("\033[H\033[2J")
			printReport(r, topN)
		}

		report, err := classifyArchive(file, f, extract.Default(), printStats)
		if err != nil {
			return fmt.Errorf("error reading mbox file: %w", err)
		}

		printStats(report)

		if err := saveCSVReports(report.counter, reportCategories, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}

		fmt.Printf("\nReports saved to directory: %s\n", reportDir)
		return nil
	},
}

func init() {
	mboxStatsCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	mboxStatsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	rootCmd.AddCommand(mboxStatsCmd)
}

func printReport(r *archiveReport, limit int) {
	rejected := r.Total - r.Accepted
	var rejectPercent float64
	if r.Total > 0 {
		rejectPercent = float64(rejected) / float64(r.Total) * 100
	}
	fmt.Printf("Classified %d messages: %d accepted, %d rejected (%.2f%%), %d with a code\n\n",
		r.Total, r.Accepted, rejected, rejectPercent, r.Codes)

	for _, category := range reportCategories {
		fmt.Printf("Top %d %s:\n", limit, category)
		stats.PrettyPrintTop(r.counter[category], limit)
		fmt.Println()
	}
}

func saveCSVReports(counter map[string]map[string]int, categories []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		filename := fmt.Sprintf("report_%s.csv", normalizeHeaderName(category))
		if err := writeCSVReport(filepath.Join(dir, filename), counter[category], limit); err != nil {
			return err
		}
	}

	return nil
}

func writeCSVReport(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, entry := range stats.Top(counts, limit) {
		if err := writer.Write([]string{entry.Key, strconv.Itoa(entry.Value)}); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
