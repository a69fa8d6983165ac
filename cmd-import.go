package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/keyhound/keyhound/addrparse"
	"github.com/keyhound/keyhound/addrstore"
	"github.com/keyhound/keyhound/metrics"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// importStats tracks the running per-line statistics of one import. Parse
// failures never stop the import; store write failures do.
type importStats struct {
	imported uint64
	skipped  uint64
	failed   uint64
	// a few offending lines are kept for the summary
	examples []string
}

const maxOffendingExamples = 10

func (s *importStats) recordFailure(line string, err error) {
	s.failed++
	metrics.SkippedLines.WithLabelValues("failed").Inc()
	if len(s.examples) < maxOffendingExamples {
		s.examples = append(s.examples, fmt.Sprintf("%s (%v)", line, err))
	}
}

func runImport(ctx context.Context, cfg *Config) error {
	imp := cfg.AddressFilesToLMDB
	writer, err := addrstore.NewWriter(imp.Store.Path, imp.Store.MinMapSizeBytes)
	if err != nil {
		return err
	}
	defer writer.Close()

	var stats importStats
	for _, path := range imp.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := importFile(ctx, writer, path, &stats); err != nil {
			// store-level failures (e.g. map full) abort the import
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	klog.Infof("import done: %s imported, %s skipped, %s failed",
		humanize.Comma(int64(stats.imported)),
		humanize.Comma(int64(stats.skipped)),
		humanize.Comma(int64(stats.failed)))
	for _, example := range stats.examples {
		klog.Warningf("offending line: %s", example)
	}
	if count, err := writer.Count(); err == nil {
		klog.Infof("store now holds %s hashes", humanize.Comma(int64(count)))
	}
	return nil
}

func importFile(ctx context.Context, writer *addrstore.Writer, path string, stats *importStats) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}

	bar := progressbar.DefaultBytes(info.Size(), "importing "+path)
	defer bar.Close()

	pbReader := progressbar.NewReader(f, bar)
	scanner := bufio.NewScanner(&pbReader)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		entry, err := addrparse.ParseLine(line)
		if err != nil {
			if errors.Is(err, addrparse.ErrSkipped) {
				stats.skipped++
				metrics.SkippedLines.WithLabelValues("skipped").Inc()
			} else {
				stats.recordFailure(line, err)
			}
			continue
		}
		if entry == nil {
			continue
		}
		if err := writer.Put(entry.Hash, entry.Amount); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		stats.imported++
		metrics.ImportedLines.Inc()
	}
	return scanner.Err()
}

