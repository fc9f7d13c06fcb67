package parser

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func collect(t *testing.T, s Stream) []*RawRecord {
	t.Helper()
	var out []*RawRecord
	for {
		rec, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestCSVSkipsRowsMissingCode(t *testing.T) {
	var b strings.Builder
	b.WriteString("Billing Code,Procedure Description,Gross Charge,Cash Price,Payer Aetna\n")
	for i := 0; i < 10; i++ {
		if i == 4 {
			b.WriteString(",no code here,100.00,80.00,90.00\n")
			continue
		}
		b.WriteString("99213,Office visit,\"$1,250.00\",950.00,1100.00\n")
	}

	s, err := Open(strings.NewReader(b.String()), Options{Filename: "charges.csv"})
	require.NoError(t, err)

	recs := collect(t, s)
	require.Len(t, recs, 9)
	assert.Equal(t, 1, s.Skipped())

	first := recs[0]
	assert.Equal(t, "99213", first.Code)
	assert.Equal(t, "Office visit", first.Description)
	assert.Equal(t, 1250.0, first.GrossCharge)
	assert.Equal(t, 950.0, first.DiscountedCash)
	assert.Equal(t, 1100.0, first.PayerRates["aetna"])
}

func TestCSVMalformedRowsAreCountedNotFatal(t *testing.T) {
	input := "code,description,charge\n" +
		"123,ok,10\n" +
		"\"unterminated,bad,20\n" +
		"456,also ok,30\n"

	s := newCSVStream(strings.NewReader(input))
	recs := collect(t, s)
	// The unterminated quote swallows the rest of the file; the bad row is
	// skipped rather than killing the parse.
	require.NotEmpty(t, recs)
	assert.Equal(t, "123", recs[0].Code)
}

func TestJSONFlatArray(t *testing.T) {
	input := `[
		{"code": "470", "code_type": "DRG", "description": "Joint replacement", "gross_charge": 42000.5, "payer_rates": {"Cigna": 31000}},
		{"description": "missing code", "gross_charge": 10}
	]`

	s, err := newJSONStream([]byte(input))
	require.NoError(t, err)

	recs := collect(t, s)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, s.Skipped())
	assert.Equal(t, "470", recs[0].Code)
	assert.Equal(t, "DRG", recs[0].CodeType)
	assert.Equal(t, 42000.5, recs[0].GrossCharge)
	assert.Equal(t, 31000.0, recs[0].PayerRates["Cigna"])
}

func TestJSONStandardChargeDocument(t *testing.T) {
	input := `{
		"hospital_name": "General",
		"standard_charge_information": [
			{
				"description": "MRI brain",
				"code_information": [{"code": "70551", "type": "CPT"}],
				"standard_charges": [
					{
						"gross_charge": 3200,
						"discounted_cash": 2100,
						"minimum": 900,
						"maximum": 2800,
						"payers_information": [
							{"payer_name": "Aetna", "standard_charge_dollar": 1500},
							{"payer_name": "UHC", "negotiated_dollar": 1650}
						]
					}
				]
			}
		]
	}`

	s, err := newJSONStream([]byte(input))
	require.NoError(t, err)

	recs := collect(t, s)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "70551", rec.Code)
	assert.Equal(t, "CPT", rec.CodeType)
	assert.Equal(t, "MRI brain", rec.Description)
	assert.Equal(t, 3200.0, rec.GrossCharge)
	assert.Equal(t, 2100.0, rec.DiscountedCash)
	assert.Equal(t, 900.0, rec.MinNegotiated)
	assert.Equal(t, 2800.0, rec.MaxNegotiated)
	assert.Equal(t, 1500.0, rec.PayerRates["Aetna"])
	assert.Equal(t, 1650.0, rec.PayerRates["UHC"])
}

func TestJSONWrapperObject(t *testing.T) {
	input := `{"prices": [{"code": "A0428", "description": "Ambulance", "price": "725.00"}]}`

	s, err := newJSONStream([]byte(input))
	require.NoError(t, err)

	recs := collect(t, s)
	require.Len(t, recs, 1)
	assert.Equal(t, "A0428", recs[0].Code)
	assert.Equal(t, 725.0, recs[0].GrossCharge)
}

func TestJSONUnrecognizedShape(t *testing.T) {
	_, err := newJSONStream([]byte(`{"meta": {"version": 1}}`))
	assert.Error(t, err)
}

func TestXMLRecordGroup(t *testing.T) {
	input := `<?xml version="1.0"?>
	<chargemaster>
		<facility>General</facility>
		<items>
			<item>
				<code>99285</code>
				<description>ER visit level 5</description>
				<gross_charge>2,450.00</gross_charge>
			</item>
			<item>
				<code></code>
				<description>no code</description>
			</item>
			<item>
				<code>99284</code>
				<description>ER visit level 4</description>
				<gross_charge>$1800</gross_charge>
			</item>
		</items>
	</chargemaster>`

	s, err := newXMLStream([]byte(input))
	require.NoError(t, err)

	recs := collect(t, s)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, s.Skipped())
	assert.Equal(t, "99285", recs[0].Code)
	assert.Equal(t, 2450.0, recs[0].GrossCharge)
	assert.Equal(t, 1800.0, recs[1].GrossCharge)
}

func TestExcelAllSheets(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]string{"Code", "Description", "Gross Charge"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"99213", "Office visit", 185.0}))
	_, err := f.NewSheet("Sheet2")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Sheet2", "A1", &[]string{"Code", "Description", "Gross Charge"}))
	require.NoError(t, f.SetSheetRow("Sheet2", "A2", &[]any{"99214", "Office visit extended", 260.0}))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	s, err := Open(bytes.NewReader(buf.Bytes()), Options{Filename: "charges.xlsx"})
	require.NoError(t, err)

	recs := collect(t, s)
	require.Len(t, recs, 2)
	assert.Equal(t, "99213", recs[0].Code)
	assert.Equal(t, "99214", recs[1].Code)
}

func TestZIPParsesFirstDataMember(t *testing.T) {
	var buf bytes.Buffer
	writeTestZip(t, &buf, map[string]string{
		"readme.txt":  "see charges.csv",
		"charges.csv": "code,description,charge\n99213,Office visit,185\n",
	})

	s, err := Open(bytes.NewReader(buf.Bytes()), Options{Filename: "bundle.zip"})
	require.NoError(t, err)

	recs := collect(t, s)
	require.Len(t, recs, 1)
	assert.Equal(t, "99213", recs[0].Code)
	assert.Equal(t, 185.0, recs[0].GrossCharge)
}

func writeTestZip(t *testing.T, buf *bytes.Buffer, members map[string]string) {
	t.Helper()
	zw := zip.NewWriter(buf)
	for name, body := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatCSV, DetectFormat("a.csv", nil))
	assert.Equal(t, FormatExcel, DetectFormat("a.xlsx", nil))
	assert.Equal(t, FormatZIP, DetectFormat("a.zip", nil))
	assert.Equal(t, FormatJSON, DetectFormat("noext", []byte("  {\"a\":1}")))
	assert.Equal(t, FormatXML, DetectFormat("noext", []byte("<doc>")))
	assert.Equal(t, FormatZIP, DetectFormat("noext", []byte("PK\x03\x04rest")))
	assert.Equal(t, FormatCSV, DetectFormat("noext", []byte("code,description\n")))
}

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t, "gross_charge", normalizeHeader("Gross Charge ($)"))
	assert.Equal(t, "payer_aetna_ppo", normalizeHeader(" Payer:  Aetna PPO "))
	assert.Equal(t, "code", normalizeHeader("CODE"))
}

func TestParseMoney(t *testing.T) {
	assert.Equal(t, 1234.56, parseMoney("$1,234.56"))
	assert.Equal(t, 1234.0, parseMoney(" 1,234 "))
	assert.Equal(t, 0.0, parseMoney("N/A"))
	assert.Equal(t, 0.0, parseMoney(""))
	assert.Equal(t, 0.0, parseMoney("free"))
}
