package parser

import (
	"encoding/csv"
	"errors"
	"io"
)

// csvStream reads row-by-row and never materializes the whole file; this is
// the path multi-gigabyte files take.
type csvStream struct {
	r       *csv.Reader
	fields  []string // canonical field per column; "" for unmapped
	payers  []string // payer name per column when the column is a rate
	skipped int
	started bool
}

func newCSVStream(r io.Reader) *csvStream {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // hospital CSVs are ragged; tolerate it
	cr.LazyQuotes = true
	return &csvStream{r: cr}
}

func (s *csvStream) readHeader() error {
	header, err := s.r.Read()
	if err != nil {
		return err
	}
	s.fields = make([]string, len(header))
	s.payers = make([]string, len(header))
	for i, h := range header {
		field, payer, isPayer := canonicalField(h)
		if isPayer {
			s.payers[i] = payer
			continue
		}
		s.fields[i] = field
	}
	s.started = true
	return nil
}

// Next returns the next accepted record, skipping and counting malformed
// rows and rows that fail the code+description acceptance bar.
func (s *csvStream) Next() (*RawRecord, error) {
	if !s.started {
		if err := s.readHeader(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}

	for {
		row, err := s.r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				s.skipped++
				continue
			}
			return nil, err
		}

		rec := &RawRecord{}
		for i, value := range row {
			if i >= len(s.fields) {
				break
			}
			if s.payers[i] != "" {
				if rate := parseMoney(value); rate > 0 {
					if rec.PayerRates == nil {
						rec.PayerRates = make(map[string]float64)
					}
					rec.PayerRates[s.payers[i]] = rate
				}
				continue
			}
			setField(rec, s.fields[i], value)
		}

		if !rec.Valid() {
			s.skipped++
			continue
		}
		return rec, nil
	}
}

func (s *csvStream) Skipped() int {
	return s.skipped
}
