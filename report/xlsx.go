/*
Package report renders operator-facing exports of the funding ledger.

PURPOSE:
  Builds the balance summary workbook served by the API: one row per
  contract with its drawdown position, followed by a totals block.
  The workbook is written straight to the response body.

USAGE:
  rep := report.Build(contracts, residents, time.Now())
  err := rep.WriteXLSX(w)
*/
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/carebridge/funding-engine/ledger"
)

const sheet = "Sheet1"

// BalanceReport is the assembled data behind one workbook.
type BalanceReport struct {
	GeneratedAt time.Time
	Contracts   []ledger.FundingContract
	Residents   map[ledger.ResidentID]ledger.Resident
	Summary     ledger.BalanceSummary
}

// Build pairs each contract with its resident and computes the
// portfolio summary as of today.
func Build(contracts []ledger.FundingContract, residents []ledger.Resident, today time.Time) BalanceReport {
	byID := make(map[ledger.ResidentID]ledger.Resident, len(residents))
	for _, r := range residents {
		byID[r.ID] = r
	}
	return BalanceReport{
		GeneratedAt: today,
		Contracts:   contracts,
		Residents:   byID,
		Summary:     ledger.Summarize(contracts, today),
	}
}

// WriteXLSX renders the workbook to w.
func (r BalanceReport) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	// Add headers
	headers := []string{"Resident", "Contract", "Type", "Status", "Original",
		"Balance", "Drawn %", "Rate", "Auto", "Start", "End"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		f.SetCellValue(sheet, cell, h)
	}

	// Add data
	for i, c := range r.Contracts {
		row := i + 2
		name := string(c.ResidentID)
		if res, ok := r.Residents[c.ResidentID]; ok {
			name = res.Name
		}
		end := ""
		if c.EndDate != nil {
			end = c.EndDate.Format("2006-01-02")
		}

		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), name)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), string(c.ID))
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), c.ContractType)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), string(c.Status))
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), c.OriginalAmount.InexactFloat64())
		f.SetCellValue(sheet, fmt.Sprintf("F%d", row), c.CurrentBalance.InexactFloat64())
		f.SetCellValue(sheet, fmt.Sprintf("G%d", row), ledger.DrawdownPercentage(c).Round(1).InexactFloat64())
		f.SetCellValue(sheet, fmt.Sprintf("H%d", row), string(c.DrawdownRate))
		f.SetCellValue(sheet, fmt.Sprintf("I%d", row), c.AutoDrawdown)
		f.SetCellValue(sheet, fmt.Sprintf("J%d", row), c.StartDate.Format("2006-01-02"))
		f.SetCellValue(sheet, fmt.Sprintf("K%d", row), end)
	}

	// Summary block below the table
	row := len(r.Contracts) + 3
	f.SetCellValue(sheet, fmt.Sprintf("A%d", row), "Generated")
	f.SetCellValue(sheet, fmt.Sprintf("B%d", row), r.GeneratedAt.Format("2006-01-02"))
	f.SetCellValue(sheet, fmt.Sprintf("A%d", row+1), "Total original")
	f.SetCellValue(sheet, fmt.Sprintf("B%d", row+1), r.Summary.TotalOriginal.InexactFloat64())
	f.SetCellValue(sheet, fmt.Sprintf("A%d", row+2), "Total balance")
	f.SetCellValue(sheet, fmt.Sprintf("B%d", row+2), r.Summary.TotalCurrent.InexactFloat64())
	f.SetCellValue(sheet, fmt.Sprintf("A%d", row+3), "Total drawn down")
	f.SetCellValue(sheet, fmt.Sprintf("B%d", row+3), r.Summary.TotalDrawnDown.InexactFloat64())
	f.SetCellValue(sheet, fmt.Sprintf("A%d", row+4), "Active contracts")
	f.SetCellValue(sheet, fmt.Sprintf("B%d", row+4), r.Summary.ActiveContracts)
	f.SetCellValue(sheet, fmt.Sprintf("A%d", row+5), "Expiring soon")
	f.SetCellValue(sheet, fmt.Sprintf("B%d", row+5), r.Summary.ExpiringSoon)

	f.SetColWidth(sheet, "A", "B", 24)
	f.SetColWidth(sheet, "C", "K", 14)

	return f.Write(w)
}
