// Package microscope implements core.MicroscopeHandler: filename parsing for
// the plate layouts named in §4.6, and well enumeration over a plate
// directory. Grounded on the teacher's format-sniffing shape (core.Format
// detection by content/extension) but applied to filename structure instead
// of file bytes, since filenames — not bytes — carry the component tuple
// here.
package microscope

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
)

var imageExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
}

// ── Position+Site+Channel scheme: A01_s1_w1_z001_t001.tif ──────────────────

var positionSiteChannelRe = regexp.MustCompile(
	`^([A-Za-z]\d{2})_s(\d+)_w(\d+)(?:_z(\d+))?(?:_t(\d+))?\.\w+$`)

// PositionSiteChannelParser handles the `<well>_s<site>_w<channel>[_z<z>][_t<t>]`
// filename family.
type PositionSiteChannelParser struct {
	Rows, Cols int
	Pixel      float64
}

func (p *PositionSiteChannelParser) Parse(filePath string) (core.ComponentValues, error) {
	name := filepath.Base(filePath)
	m := positionSiteChannelRe.FindStringSubmatch(name)
	if m == nil {
		return core.ComponentValues{}, ohcserrors.Configuration("microscope.parse",
			fmt.Errorf("filename %q does not match position+site+channel scheme", name))
	}
	site, _ := strconv.Atoi(m[2])
	channel, _ := strconv.Atoi(m[3])
	z := 1
	if m[4] != "" {
		z, _ = strconv.Atoi(m[4])
	}
	t := 1
	if m[5] != "" {
		t, _ = strconv.Atoi(m[5])
	}
	return core.ComponentValues{Well: strings.ToUpper(m[1]), Site: site, Channel: channel, ZIndex: z, Timepoint: t}, nil
}

func (p *PositionSiteChannelParser) ListWells(inputDir string) ([]string, error) {
	return listWells(inputDir, p.Parse)
}
func (p *PositionSiteChannelParser) GridDimensions() (int, int) { return p.Rows, p.Cols }
func (p *PositionSiteChannelParser) PixelSize() float64         { return p.Pixel }

// ── Row+Column+Field scheme: r01c01f01p01-ch1sk1.tiff ───────────────────────

var fieldRowColumnRe = regexp.MustCompile(
	`^r(\d+)c(\d+)f(\d+)p(\d+)-ch(\d+)sk(\d+)\.\w+$`)

// FieldRowColumnParser handles the `r<row>c<col>f<field>p<plane>-ch<channel>sk<timepoint>`
// filename family, converting row/column to a conventional well label
// (e.g. r01c01 -> A01).
type FieldRowColumnParser struct {
	Rows, Cols int
	Pixel      float64
}

func (p *FieldRowColumnParser) Parse(filePath string) (core.ComponentValues, error) {
	name := filepath.Base(filePath)
	m := fieldRowColumnRe.FindStringSubmatch(name)
	if m == nil {
		return core.ComponentValues{}, ohcserrors.Configuration("microscope.parse",
			fmt.Errorf("filename %q does not match row+column+field scheme", name))
	}
	row, _ := strconv.Atoi(m[1])
	col, _ := strconv.Atoi(m[2])
	site, _ := strconv.Atoi(m[3])
	z, _ := strconv.Atoi(m[4])
	channel, _ := strconv.Atoi(m[5])
	t, _ := strconv.Atoi(m[6])

	well := fmt.Sprintf("%c%02d", 'A'+row-1, col)
	return core.ComponentValues{Well: well, Site: site, Channel: channel, ZIndex: z, Timepoint: t}, nil
}

func (p *FieldRowColumnParser) ListWells(inputDir string) ([]string, error) {
	return listWells(inputDir, p.Parse)
}
func (p *FieldRowColumnParser) GridDimensions() (int, int) { return p.Rows, p.Cols }
func (p *FieldRowColumnParser) PixelSize() float64         { return p.Pixel }

// ── Native scheme: OpenHCS's own flat output layout ─────────────────────────

var nativeRe = regexp.MustCompile(
	`^([A-Za-z]\d{2})_site(\d+)_ch(\d+)_z(\d+)_t(\d+)\.\w+$`)

// NativeParser handles the engine's own flattened output filenames, used
// when a step reads back a prior step's materialized output.
type NativeParser struct {
	Rows, Cols int
	Pixel      float64
}

func (p *NativeParser) Parse(filePath string) (core.ComponentValues, error) {
	name := filepath.Base(filePath)
	m := nativeRe.FindStringSubmatch(name)
	if m == nil {
		return core.ComponentValues{}, ohcserrors.Configuration("microscope.parse",
			fmt.Errorf("filename %q does not match native scheme", name))
	}
	site, _ := strconv.Atoi(m[2])
	channel, _ := strconv.Atoi(m[3])
	z, _ := strconv.Atoi(m[4])
	t, _ := strconv.Atoi(m[5])
	return core.ComponentValues{Well: strings.ToUpper(m[1]), Site: site, Channel: channel, ZIndex: z, Timepoint: t}, nil
}

func (p *NativeParser) ListWells(inputDir string) ([]string, error) {
	return listWells(inputDir, p.Parse)
}
func (p *NativeParser) GridDimensions() (int, int) { return p.Rows, p.Cols }
func (p *NativeParser) PixelSize() float64         { return p.Pixel }

// ── shared well enumeration ──────────────────────────────────────────────────

func listWells(inputDir string, parse func(string) (core.ComponentValues, error)) ([]string, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, ohcserrors.IO("microscope.list_wells", "disk", inputDir, err, false)
	}

	seen := make(map[string]bool)
	var wells []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !imageExtensions[ext] {
			continue
		}
		cv, err := parse(e.Name())
		if err != nil {
			continue // non-matching files are ignored, not fatal
		}
		if !seen[cv.Well] {
			seen[cv.Well] = true
			wells = append(wells, cv.Well)
		}
	}
	sort.Strings(wells)
	return wells, nil
}

// Detect picks the parser whose scheme matches the majority of filenames
// found directly under inputDir, trying each candidate in turn.
func Detect(inputDir string, rows, cols int, pixel float64) (core.MicroscopeHandler, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, ohcserrors.IO("microscope.detect", "disk", inputDir, err, false)
	}

	candidates := []core.MicroscopeHandler{
		&PositionSiteChannelParser{Rows: rows, Cols: cols, Pixel: pixel},
		&FieldRowColumnParser{Rows: rows, Cols: cols, Pixel: pixel},
		&NativeParser{Rows: rows, Cols: cols, Pixel: pixel},
	}

	counts := make([]int, len(candidates))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for i, c := range candidates {
			if _, err := c.Parse(e.Name()); err == nil {
				counts[i]++
			}
		}
	}

	best, bestCount := -1, 0
	for i, c := range counts {
		if c > bestCount {
			best, bestCount = i, c
		}
	}
	if best == -1 {
		return nil, ohcserrors.Configuration("microscope.detect",
			fmt.Errorf("no filenames under %s matched a known microscope scheme", inputDir))
	}
	return candidates[best], nil
}
