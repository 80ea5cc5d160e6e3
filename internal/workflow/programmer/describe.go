package programmer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// sampleRows is the number of leading rows shown by DescribeCSV.
const sampleRows = 5

// DescribeCSV summarises a CSV file for a prompt: column names, row count,
// the first rows and basic statistics for numeric columns.
func DescribeCSV(data []byte) (string, error) {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("csv has no header row")
	}
	header, records := rows[0], rows[1:]

	var sb strings.Builder
	fmt.Fprintf(&sb, "Columns (%d): %s\n", len(header), strings.Join(header, ", "))
	fmt.Fprintf(&sb, "Rows: %d\n", len(records))

	sb.WriteString("\nSample:\n")
	writeRow(&sb, header)
	sb.WriteString("|" + strings.Repeat("---|", len(header)) + "\n")
	for _, r := range records[:min(sampleRows, len(records))] {
		writeRow(&sb, r)
	}

	var stats []string
	for col, name := range header {
		if s, ok := numericStats(records, col); ok {
			stats = append(stats, fmt.Sprintf("| %s | %d | %s | %s | %s |", name, s.count, formatFloat(s.min), formatFloat(s.max), formatFloat(s.mean)))
		}
	}
	if len(stats) > 0 {
		sb.WriteString("\nNumeric columns:\n| column | count | min | max | mean |\n|---|---|---|---|---|\n")
		sb.WriteString(strings.Join(stats, "\n"))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

type columnStats struct {
	count         int
	min, max, sum float64
	mean          float64
}

// numericStats returns statistics when every non-empty value of col parses
// as a number.
func numericStats(records [][]string, col int) (columnStats, bool) {
	s := columnStats{min: math.Inf(1), max: math.Inf(-1)}
	for _, r := range records {
		if col >= len(r) || strings.TrimSpace(r[col]) == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(r[col]), 64)
		if err != nil {
			return columnStats{}, false
		}
		s.count++
		s.sum += v
		s.min = math.Min(s.min, v)
		s.max = math.Max(s.max, v)
	}
	if s.count == 0 {
		return columnStats{}, false
	}
	s.mean = s.sum / float64(s.count)
	return s, true
}

func writeRow(sb *strings.Builder, cells []string) {
	sb.WriteString("|")
	for _, c := range cells {
		sb.WriteString(" " + strings.ReplaceAll(c, "|", `\|`) + " |")
	}
	sb.WriteString("\n")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
