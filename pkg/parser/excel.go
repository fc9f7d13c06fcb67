package parser

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

type excelStream struct {
	records []*RawRecord
	i       int
	skipped int
}

// newExcelStream reads every sheet, treating the first row of each as its
// header. Hospitals commonly split charge masters across sheets.
func newExcelStream(r io.Reader) (*excelStream, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	s := &excelStream{}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			s.skipped++
			continue
		}
		if len(rows) < 2 {
			continue
		}
		header := rows[0]
		for _, row := range rows[1:] {
			pairs := make(map[string]string, len(header))
			for i, cell := range row {
				if i >= len(header) || header[i] == "" {
					continue
				}
				pairs[header[i]] = cell
			}
			rec := recordFromPairs(pairs)
			if !rec.Valid() {
				s.skipped++
				continue
			}
			s.records = append(s.records, rec)
		}
	}
	return s, nil
}

func (s *excelStream) Next() (*RawRecord, error) {
	if s.i >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.i]
	s.i++
	return rec, nil
}

func (s *excelStream) Skipped() int {
	return s.skipped
}
