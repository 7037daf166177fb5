package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/xuri/excelize/v2"
)

// PartitionCatalogExportHeader 分区目录导出表头
var PartitionCatalogExportHeader = []string{
	"Partition",
	"State",
	"Range Start",
	"Range End",
	"Row Count",
	"Byte Size",
	"Checksum",
	"Archived At",
}

// GeneratePartitionCatalogExport 生成分区目录 Excel 文件
func GeneratePartitionCatalogExport(partitions []*domain.PartitionMetadata) ([]byte, error) {
	f := excelize.NewFile()
	// Note: Don't defer Close() here, because WriteTo needs the file to be open

	sheetName := "Partition Catalog"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range PartitionCatalogExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}

	for row, p := range partitions {
		archivedAt := ""
		if p.ArchivedAt != nil {
			archivedAt = p.ArchivedAt.UTC().Format(time.RFC3339)
		}
		values := []any{
			p.PartitionKey,
			string(p.State),
			p.RangeStart.UTC().Format(time.RFC3339),
			p.RangeEnd.UTC().Format(time.RFC3339),
			p.RowCount,
			p.ByteSize,
			p.Checksum,
			archivedAt,
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	// Checksum 列比较长，给个合理列宽
	_ = f.SetColWidth(sheetName, "A", "A", 24)
	_ = f.SetColWidth(sheetName, "C", "D", 22)
	_ = f.SetColWidth(sheetName, "G", "G", 68)
	_ = f.SetColWidth(sheetName, "H", "H", 22)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close workbook: %w", err)
	}
	return buf.Bytes(), nil
}
