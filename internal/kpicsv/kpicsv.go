// Package kpicsv picks the current value out of KPI data exports so it can be
// fed through the normal update path.
package kpicsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrNoValue is returned when an export has no usable value
var ErrNoValue = errors.New("no value found")

// FileKpis maps the dashboard's export file names to the KPI they carry
var FileKpis = map[string]string{
	"poverty_rate_atlanta.csv":  "poverty_rate",
	"unemployment_rate.csv":     "unemployment_rate",
	"median_income.csv":         "median_income",
	"k12_literacy.csv":          "k12_literacy",
	"annual_jobs.csv":           "annual_jobs",
	"credential_attainment.csv": "credential_attainment",
	"income_mobility_index.csv": "income_mobility_index",
	"cost_of_living.csv":        "cost_of_living_index",
}

// Reading is the value chosen from one export. DateRange is set only when the
// export has a year column.
type Reading struct {
	Value     float64
	DateRange string
}

// FileReading is a Reading taken from a mapped export file
type FileReading struct {
	Path  string
	KpiID string
	Reading
}

// ReadLatest reads a CSV export with a header row and returns the latest value
// in valueColumn. The latest row is the one with the highest year, else the
// highest date, else the last row with a value.
func ReadLatest(r io.Reader, valueColumn string) (Reading, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(records) == 0 {
		return Reading{}, fmt.Errorf("%w: file is empty", ErrNoValue)
	}

	header := records[0]
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}

	valueIdx, ok := columns[valueColumn]
	if !ok {
		return Reading{}, fmt.Errorf("column %q not found, available columns: %s", valueColumn, strings.Join(header, ", "))
	}

	rows := records[1:]
	cell := func(row []string, idx int) string {
		if idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	latest := -1
	var dateRange string
	if yearIdx, ok := columns["year"]; ok {
		best := 0.0
		for i, row := range rows {
			year, err := strconv.ParseFloat(cell(row, yearIdx), 64)
			if err != nil {
				continue
			}
			if latest < 0 || year > best {
				latest, best = i, year
			}
		}
		if latest >= 0 {
			dateRange = strconv.Itoa(int(best))
		}
	} else if dateIdx, ok := columns["date"]; ok {
		// ISO dates order lexically
		best := ""
		for i, row := range rows {
			d := cell(row, dateIdx)
			if d == "" {
				continue
			}
			if latest < 0 || d > best {
				latest, best = i, d
			}
		}
	} else {
		for i := len(rows) - 1; i >= 0; i-- {
			if cell(rows[i], valueIdx) != "" {
				latest = i
				break
			}
		}
	}

	if latest < 0 {
		return Reading{}, fmt.Errorf("%w in column %q", ErrNoValue, valueColumn)
	}

	raw := cell(rows[latest], valueIdx)
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("invalid value %q in row %d: %w", raw, latest+2, err)
	}

	return Reading{Value: value, DateRange: dateRange}, nil
}

// ReadLatestFile is ReadLatest on a file
func ReadLatestFile(path, valueColumn string) (Reading, error) {
	file, err := os.Open(path)
	if err != nil {
		return Reading{}, err
	}
	defer file.Close()

	reading, err := ReadLatest(file, valueColumn)
	if err != nil {
		return Reading{}, fmt.Errorf("%s: %w", path, err)
	}
	return reading, nil
}

// ScanDir reads every mapped export in dir, in file name order. Files missing
// from FileKpis are returned as skipped. A file that cannot be read fails the
// whole scan.
func ScanDir(dir, valueColumn string) (readings []FileReading, skipped []string, err error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("no csv files found in %s", dir)
	}
	sort.Strings(paths)

	for _, path := range paths {
		kpiID, ok := FileKpis[filepath.Base(path)]
		if !ok {
			skipped = append(skipped, path)
			continue
		}
		reading, err := ReadLatestFile(path, valueColumn)
		if err != nil {
			return nil, nil, err
		}
		readings = append(readings, FileReading{Path: path, KpiID: kpiID, Reading: reading})
	}
	return readings, skipped, nil
}
