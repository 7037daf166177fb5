package httpapi

import (
	"bytes"
	"testing"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/xuri/excelize/v2"
)

func TestGeneratePartitionCatalogExport(t *testing.T) {
	start, end := domain.PartitionRangeFor(time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	archivedAt := end.Add(3 * 24 * time.Hour)

	partitions := []*domain.PartitionMetadata{
		{
			PartitionKey: "heartbeats_p20260820",
			State:        domain.PartitionArchived,
			RangeStart:   start,
			RangeEnd:     end,
			RowCount:     1200,
			ByteSize:     98304,
			Checksum:     "ab12cd34",
			ArchivedAt:   &archivedAt,
		},
		{
			PartitionKey: "heartbeats_p20260821",
			State:        domain.PartitionActive,
			RangeStart:   start.Add(24 * time.Hour),
			RangeEnd:     end.Add(24 * time.Hour),
		},
	}

	data, err := GeneratePartitionCatalogExport(partitions)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("export produced no data")
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("generated workbook is not readable: %v", err)
	}
	defer f.Close()

	sheet := "Partition Catalog"
	got, err := f.GetCellValue(sheet, "A1")
	if err != nil || got != "Partition" {
		t.Fatalf("unexpected header A1: %q (err=%v)", got, err)
	}
	got, _ = f.GetCellValue(sheet, "A2")
	if got != "heartbeats_p20260820" {
		t.Fatalf("unexpected A2: %q", got)
	}
	got, _ = f.GetCellValue(sheet, "B3")
	if got != "active" {
		t.Fatalf("unexpected B3: %q", got)
	}
	got, _ = f.GetCellValue(sheet, "G2")
	if got != "ab12cd34" {
		t.Fatalf("unexpected checksum cell: %q", got)
	}
	// 未归档的分区 Archived At 留空
	got, _ = f.GetCellValue(sheet, "H3")
	if got != "" {
		t.Fatalf("expected empty archived_at for active partition, got %q", got)
	}
}

func TestGeneratePartitionCatalogExport_Empty(t *testing.T) {
	data, err := GeneratePartitionCatalogExport(nil)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("generated workbook is not readable: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Partition Catalog")
	if err != nil {
		t.Fatalf("failed to read rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected header row only, got %d rows", len(rows))
	}
}
