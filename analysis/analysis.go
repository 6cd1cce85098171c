// Package analysis implements post-run consolidation: scanning a plate's
// materialization_results_path for per-well CSV/JSON outputs and aggregating
// them into a single plate-level summary (§4.5 step 3).
package analysis

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/openhcs/enginego/config"
	"github.com/openhcs/enginego/ohcserrors"
)

// WellResult holds one well's parsed analysis rows, keyed by column name.
type WellResult struct {
	WellID string
	Values map[string]string
}

// Consolidate scans resultsDir for files matching cfg.WellPattern with one
// of cfg.FileExtensions, excluding any matching cfg.ExcludePatterns, parses
// each as CSV (a header row of names and one row of values; further rows
// are ignored) or JSON (flat object), and writes a MetaXpress-style
// wide-format plate summary to resultsDir/cfg.OutputFilename.
func Consolidate(resultsDir string, cfg config.AnalysisConsolidationConfig) error {
	if !cfg.Enabled {
		return nil
	}

	wellRe, err := regexp.Compile(cfg.WellPattern)
	if err != nil {
		return ohcserrors.Configuration("analysis.consolidate", fmt.Errorf("bad well_pattern: %w", err))
	}
	excludeRes := make([]*regexp.Regexp, 0, len(cfg.ExcludePatterns))
	for _, p := range cfg.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return ohcserrors.Configuration("analysis.consolidate", fmt.Errorf("bad exclude_pattern %q: %w", p, err))
		}
		excludeRes = append(excludeRes, re)
	}

	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		return ohcserrors.IO("analysis.consolidate", "disk", resultsDir, err, false)
	}

	var results []WellResult
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !hasAnyExt(name, cfg.FileExtensions) {
			continue
		}
		if excluded(name, excludeRes) {
			continue
		}
		well := wellRe.FindString(name)
		if well == "" {
			continue
		}

		path := filepath.Join(resultsDir, name)
		values, err := parseResultFile(path)
		if err != nil {
			return ohcserrors.IO("analysis.consolidate.parse", "disk", path, err, false)
		}
		results = append(results, WellResult{WellID: well, Values: values})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].WellID < results[j].WellID })

	outPath := filepath.Join(resultsDir, cfg.OutputFilename)
	return writeSummary(outPath, results, cfg.MetaXpressSummary)
}

func hasAnyExt(name string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func excluded(name string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func parseResultFile(path string) (map[string]string, error) {
	if strings.HasSuffix(path, ".json") {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		out := make(map[string]string, len(obj))
		for k, v := range obj {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if len(records) >= 2 {
		header := records[0]
		row := records[1]
		for i, col := range header {
			if i < len(row) {
				out[col] = row[i]
			}
		}
	}
	return out, nil
}

// writeSummary renders results as a wide-format CSV: one row per well, one
// column per distinct analysis key seen across all wells, matching the
// MetaXpress-compatible layout when requested (a descriptive header
// preamble before the column header row).
func writeSummary(outPath string, results []WellResult, metaXpress bool) error {
	colSet := make(map[string]bool)
	for _, r := range results {
		for k := range r.Values {
			colSet[k] = true
		}
	}
	cols := make([]string, 0, len(colSet))
	for k := range colSet {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if metaXpress {
		_ = w.Write([]string{"Barcode", "Plate Name", "Plate ID", "Acquisition", ""})
	}

	header := append([]string{"well_id"}, cols...)
	if err := w.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		row := make([]string, 0, len(cols)+1)
		row = append(row, r.WellID)
		for _, c := range cols {
			row = append(row, r.Values[c])
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
