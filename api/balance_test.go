/*
balance_test.go - Balance summary and workbook export over HTTP

Tests for:
- Portfolio totals and counts, with and without an organization filter
- The xlsx export: headers, per-contract rows, and the totals block
*/
package api

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/carebridge/funding-engine/ledger"
)

// seedOrgContract creates a resident and an activated contract ending
// endDays from now, optionally drawing postAmount down immediately.
func seedOrgContract(t *testing.T, h *Handler, org, name, original string, endDays int, postAmount string) *ledger.FundingContract {
	t.Helper()
	ctx := context.Background()

	res, err := h.Residents.Create(ctx, ledger.CreateResidentInput{
		OrganizationID: org,
		Name:           name,
	})
	if err != nil {
		t.Fatalf("seed resident: %v", err)
	}

	end := testNow.AddDate(0, 0, endDays)
	c, err := h.Contracts.Create(ctx, ledger.CreateContractInput{
		ResidentID:     res.ID,
		OrganizationID: org,
		ContractType:   "ndis-core",
		OriginalAmount: ledger.MustParseDecimal(original),
		StartDate:      testNow.AddDate(0, -1, 0),
		EndDate:        &end,
		DrawdownRate:   ledger.DrawdownMonthly,
	})
	if err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	active, err := h.Contracts.Activate(ctx, c.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	if postAmount != "" {
		amt := ledger.MustParseDecimal(postAmount)
		tx, err := h.Transactions.Create(ctx, ledger.CreateTransactionInput{
			ResidentID: res.ID,
			ContractID: active.ID,
			OccurredAt: testNow,
			Amount:     &amt,
			CreatedBy:  "seed",
		})
		if err != nil {
			t.Fatalf("seed tx: %v", err)
		}
		if _, err := h.Transactions.Post(ctx, tx.ID, "seed"); err != nil {
			t.Fatalf("post tx: %v", err)
		}
	}
	return active
}

func TestBalanceSummary_TotalsAndCounts(t *testing.T) {
	// GIVEN: Two active contracts in org-east (one drawn down, one
	//        expiring soon) and one in org-west
	// WHEN: Fetching the summary with and without a filter
	// THEN: Totals fold the selected contracts; counts follow status
	//       and the renewal window

	h, router := setupTestHandler(t)
	seedOrgContract(t, h, "org-east", "Margaret Holt", "10000", 200, "2500")
	seedOrgContract(t, h, "org-east", "Harold Bennett", "5000", 10, "")
	seedOrgContract(t, h, "org-west", "Nora Castellanos", "9999", 300, "")

	var summary BalanceSummaryDTO

	rec := doRequest(t, router, http.MethodGet, "/api/balance/summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &summary)
	if summary.TotalOriginal != "24999.00" {
		t.Errorf("total_original = %s, want 24999.00", summary.TotalOriginal)
	}
	if summary.TotalCurrent != "22499.00" {
		t.Errorf("total_current = %s, want 22499.00", summary.TotalCurrent)
	}
	if summary.TotalDrawnDown != "2500.00" {
		t.Errorf("total_drawn_down = %s, want 2500.00", summary.TotalDrawnDown)
	}
	if summary.ActiveContracts != 3 {
		t.Errorf("active_contracts = %d, want 3", summary.ActiveContracts)
	}
	if summary.ExpiringSoon != 1 {
		t.Errorf("expiring_soon = %d, want 1", summary.ExpiringSoon)
	}
	if summary.GeneratedAt != "2026-03-10T09:00:00Z" {
		t.Errorf("generated_at = %s", summary.GeneratedAt)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/balance/summary?organizationId=org-east", nil)
	decodeBody(t, rec, &summary)
	if summary.TotalOriginal != "15000.00" {
		t.Errorf("filtered total_original = %s, want 15000.00", summary.TotalOriginal)
	}
	if summary.TotalCurrent != "12500.00" {
		t.Errorf("filtered total_current = %s, want 12500.00", summary.TotalCurrent)
	}
	if summary.ActiveContracts != 2 {
		t.Errorf("filtered active_contracts = %d, want 2", summary.ActiveContracts)
	}
}

func TestExportBalanceSummary_Workbook(t *testing.T) {
	// GIVEN: One drawn-down contract
	// WHEN: Downloading the xlsx export
	// THEN: The workbook opens and carries the contract row plus the
	//       totals block

	h, router := setupTestHandler(t)
	c := seedOrgContract(t, h, "org-east", "Margaret Holt", "10000", 200, "2500")

	rec := doRequest(t, router, http.MethodGet, "/api/balance/summary.xlsx", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Errorf("content-type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "balance-summary-2026-03-10.xlsx") {
		t.Errorf("content-disposition = %q", cd)
	}

	wb, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer wb.Close()

	rows, err := wb.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) < 2 {
		t.Fatalf("rows = %d, want header plus data", len(rows))
	}
	if rows[0][0] != "Resident" || rows[0][5] != "Balance" {
		t.Errorf("header row = %v", rows[0])
	}
	if rows[1][0] != "Margaret Holt" {
		t.Errorf("resident cell = %q", rows[1][0])
	}
	if rows[1][1] != string(c.ID) {
		t.Errorf("contract cell = %q, want %s", rows[1][1], c.ID)
	}
	if rows[1][3] != "Active" {
		t.Errorf("status cell = %q", rows[1][3])
	}
	if rows[1][5] != "7500" {
		t.Errorf("balance cell = %q, want 7500", rows[1][5])
	}

	// The totals block sits below the table; scan rather than assume
	// row offsets.
	totals := map[string]string{}
	for _, row := range rows {
		if len(row) >= 2 {
			totals[row[0]] = row[1]
		}
	}
	if totals["Total original"] != "10000" {
		t.Errorf("total original = %q", totals["Total original"])
	}
	if totals["Total balance"] != "7500" {
		t.Errorf("total balance = %q", totals["Total balance"])
	}
	if totals["Total drawn down"] != "2500" {
		t.Errorf("total drawn down = %q", totals["Total drawn down"])
	}
	if totals["Generated"] != "2026-03-10" {
		t.Errorf("generated = %q", totals["Generated"])
	}
}

func TestExportBalanceSummary_OrganizationFilter(t *testing.T) {
	h, router := setupTestHandler(t)
	seedOrgContract(t, h, "org-east", "Margaret Holt", "10000", 200, "")
	seedOrgContract(t, h, "org-west", "Nora Castellanos", "9999", 300, "")

	rec := doRequest(t, router, http.MethodGet, "/api/balance/summary.xlsx?organizationId=org-west", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	wb, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer wb.Close()

	rows, err := wb.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	var names []string
	for _, row := range rows[1:] {
		if len(row) == 0 || row[0] == "" || row[0] == "Generated" {
			break
		}
		names = append(names, row[0])
	}
	if len(names) != 1 || names[0] != "Nora Castellanos" {
		t.Errorf("exported residents = %v, want only Nora Castellanos", names)
	}
}
