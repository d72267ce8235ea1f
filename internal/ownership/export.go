package ownership

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"marketsync/internal/models"

	"github.com/xuri/excelize/v2"
)

// PeriodReader loads derived history for reporting.
type PeriodReader interface {
	GetPeriods(ctx context.Context, productID string) ([]models.OwnershipPeriod, error)
}

// ExportReport создает Excel файл с историей владения Buy Box
func ExportReport(ctx context.Context, reader PeriodReader, productIDs []string, exportPath string) (string, error) {
	// Создаем папку для экспорта, если не существует
	if err := os.MkdirAll(exportPath, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Buy Box Ownership"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	headers := []string{"Product", "Seller", "Started", "Ended", "Duration (h)", "Avg Price", "Min Price", "Max Price", "Snapshots"}
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "I1", headerStyle)

	row := 2
	for _, productID := range productIDs {
		periods, err := reader.GetPeriods(ctx, productID)
		if err != nil {
			return "", fmt.Errorf("error loading periods for %s: %v", productID, err)
		}

		for _, p := range periods {
			ended := "open"
			if p.EndedAt != nil {
				ended = p.EndedAt.Format("2006-01-02 15:04:05")
			}
			values := []interface{}{
				p.ProductID,
				p.SellerName,
				p.StartedAt.Format("2006-01-02 15:04:05"),
				ended,
				p.Duration / 3600,
				p.AvgPrice,
				p.MinPrice,
				p.MaxPrice,
				p.SnapshotCount,
			}
			for col, v := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				_ = f.SetCellValue(sheetName, cell, v)
			}
			row++
		}
	}

	_ = f.SetColWidth(sheetName, "A", "B", 24)
	_ = f.SetColWidth(sheetName, "C", "D", 20)
	_ = f.SetColWidth(sheetName, "E", "I", 12)
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("ownership_%s.xlsx", time.Now().Format("2006-01-02_150405"))
	filePath := filepath.Join(exportPath, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	return filePath, nil
}
