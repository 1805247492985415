package series

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/mat"
)

// ReadCSV reads a CSV file:
//
//   - The first row is a header with variable names
//   - All remaining rows are numeric values or a missing marker
//     ("", "NA", "NaN", "null")
//   - There is no explicit time column; time is taken as 0,1,2,...
func ReadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var records [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(records)+1, err)
		}
		records = append(records, record)
	}
	return parseRecords(path, records)
}

// ReadXLSX reads the same layout as ReadCSV from a workbook sheet. An empty
// sheet name selects the first sheet.
func ReadXLSX(path, sheet string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("no sheets in %s", path)
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sheet, err)
	}
	return parseRecords(path, rows)
}

// Read dispatches on the file extension.
func Read(path string) (*Table, error) {
	if strings.HasSuffix(strings.ToLower(path), ".xlsx") {
		return ReadXLSX(path, "")
	}
	return ReadCSV(path)
}

func parseRecords(source string, records [][]string) (*Table, error) {
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, fmt.Errorf("empty header in %s", source)
	}
	header := make([]string, len(records[0]))
	for j, h := range records[0] {
		header[j] = strings.TrimSpace(h)
	}
	K := len(header)

	var (
		data  []float64
		times []float64
		row   int
	)
	for n, record := range records[1:] {
		// Skip completely empty lines
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}
		// Spreadsheets drop trailing empty cells
		if len(record) > K {
			return nil, fmt.Errorf("row %d: expected %d columns, got %d", n+2, K, len(record))
		}
		for j := 0; j < K; j++ {
			s := ""
			if j < len(record) {
				s = record[j]
			}
			v, err := parseCell(s)
			if err != nil {
				return nil, fmt.Errorf("parse float at row %d col %d (%q): %w", n+2, j+1, s, err)
			}
			data = append(data, v)
		}
		times = append(times, float64(row))
		row++
	}
	if row == 0 {
		return nil, fmt.Errorf("no data rows in %s", source)
	}
	return &Table{
		Y:        mat.NewDense(row, K, data),
		Time:     times,
		VarNames: header,
	}, nil
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// WriteCSV writes the table with a header row. NaN cells are written empty.
func WriteCSV(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := Write(f, t); err != nil {
		return err
	}
	return f.Close()
}

// Write writes the table as CSV to w.
func Write(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.VarNames); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	T, N := t.Dims()
	record := make([]string, N)
	for i := 0; i < T; i++ {
		for j := 0; j < N; j++ {
			v := t.Y.At(i, j)
			if math.IsNaN(v) {
				record[j] = ""
			} else {
				record[j] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
