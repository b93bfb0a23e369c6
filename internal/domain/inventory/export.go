package inventory

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Inventory"

var exportHeader = []string{"Code", "Facility", "Blood Group", "Component", "Total (ml)", "Updated At"}

// Export writes the records matching f as an xlsx workbook.
func (s *Service) Export(ctx context.Context, f Filter, w io.Writer) error {
	records, err := s.Availability(ctx, f)
	if err != nil {
		return err
	}

	x := excelize.NewFile()
	defer x.Close()

	index, err := x.NewSheet(exportSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	if err := x.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}
	x.SetActiveSheet(index)

	headerStyle, err := x.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F4CCCC"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	for col, h := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := x.SetCellValue(exportSheet, cell, h); err != nil {
			return fmt.Errorf("set header %s: %w", cell, err)
		}
		if err := x.SetCellStyle(exportSheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("style header %s: %w", cell, err)
		}
	}
	if err := x.SetColWidth(exportSheet, "A", "B", 38); err != nil {
		return err
	}
	if err := x.SetColWidth(exportSheet, "C", "F", 16); err != nil {
		return err
	}

	for i, r := range records {
		row := []any{
			r.Code,
			r.FacilityID.String(),
			string(r.BloodGroup),
			string(r.Component),
			r.TotalQuantity,
			r.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := x.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if _, err := x.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
