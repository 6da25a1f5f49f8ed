package report_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/carebridge/funding-engine/ledger"
	"github.com/carebridge/funding-engine/report"
)

func reportContract(id, residentID, original, current string, end *time.Time) ledger.FundingContract {
	return ledger.FundingContract{
		ID:             ledger.ContractID(id),
		ResidentID:     ledger.ResidentID(residentID),
		ContractType:   "ndis-core",
		Status:         ledger.ContractActive,
		OriginalAmount: ledger.MustParseDecimal(original),
		CurrentBalance: ledger.MustParseDecimal(current),
		DrawdownRate:   ledger.DrawdownMonthly,
		StartDate:      time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        end,
	}
}

func TestBuild_PairsResidentsAndSummarizes(t *testing.T) {
	// GIVEN: Two contracts, one with a known resident
	// WHEN: Building the report
	// THEN: The resident index and portfolio summary are filled in

	today := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	contracts := []ledger.FundingContract{
		reportContract("c-1", "res-1", "10000", "7500", nil),
		reportContract("c-2", "res-ghost", "5000", "5000", nil),
	}
	residents := []ledger.Resident{
		{ID: "res-1", OrganizationID: "org-east", Name: "Margaret Holt"},
	}

	rep := report.Build(contracts, residents, today)

	if rep.Residents["res-1"].Name != "Margaret Holt" {
		t.Errorf("resident index missing Margaret Holt: %+v", rep.Residents)
	}
	if !rep.Summary.TotalOriginal.Equal(ledger.MustParseDecimal("15000")) {
		t.Errorf("total original = %s", rep.Summary.TotalOriginal)
	}
	if !rep.Summary.TotalDrawnDown.Equal(ledger.MustParseDecimal("2500")) {
		t.Errorf("total drawn down = %s", rep.Summary.TotalDrawnDown)
	}
	if rep.Summary.ActiveContracts != 2 {
		t.Errorf("active = %d", rep.Summary.ActiveContracts)
	}
}

func TestWriteXLSX_RoundTrip(t *testing.T) {
	// GIVEN: A built report
	// WHEN: Writing it and reading the workbook back
	// THEN: Header, contract rows (with resident-id fallback), and the
	//       totals block are all present

	today := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC)
	contracts := []ledger.FundingContract{
		reportContract("c-1", "res-1", "10000", "7500", &end),
		reportContract("c-2", "res-ghost", "5000", "5000", nil),
	}
	residents := []ledger.Resident{
		{ID: "res-1", OrganizationID: "org-east", Name: "Margaret Holt"},
	}

	rep := report.Build(contracts, residents, today)

	var buf bytes.Buffer
	if err := rep.WriteXLSX(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	wb, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer wb.Close()

	rows, err := wb.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) < 3 {
		t.Fatalf("rows = %d, want header plus two contracts", len(rows))
	}

	if rows[0][0] != "Resident" || rows[0][6] != "Drawn %" {
		t.Errorf("header = %v", rows[0])
	}

	if rows[1][0] != "Margaret Holt" {
		t.Errorf("row 1 resident = %q", rows[1][0])
	}
	if rows[1][6] != "25" {
		t.Errorf("row 1 drawn %% = %q, want 25", rows[1][6])
	}
	if rows[1][10] != "2026-12-31" {
		t.Errorf("row 1 end = %q", rows[1][10])
	}

	// Unknown residents fall back to the raw id.
	if rows[2][0] != "res-ghost" {
		t.Errorf("row 2 resident = %q, want res-ghost", rows[2][0])
	}

	totals := map[string]string{}
	for _, row := range rows {
		if len(row) >= 2 {
			totals[row[0]] = row[1]
		}
	}
	if totals["Generated"] != "2026-03-10" {
		t.Errorf("generated = %q", totals["Generated"])
	}
	if totals["Total original"] != "15000" {
		t.Errorf("total original = %q", totals["Total original"])
	}
	if totals["Total balance"] != "12500" {
		t.Errorf("total balance = %q", totals["Total balance"])
	}
	if totals["Active contracts"] != "2" {
		t.Errorf("active contracts = %q", totals["Active contracts"])
	}
}

func TestWriteXLSX_EmptyPortfolio(t *testing.T) {
	rep := report.Build(nil, nil, time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))

	var buf bytes.Buffer
	if err := rep.WriteXLSX(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	wb, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer wb.Close()

	rows, err := wb.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) == 0 || rows[0][0] != "Resident" {
		t.Fatalf("header missing from empty export")
	}
}
