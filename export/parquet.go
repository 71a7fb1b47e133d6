package export

import (
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"bookflow/models"
)

// LevelRecord is one order book level flattened for the parquet layout.
// Prices and quantities leave decimal form only here, at the export
// boundary.
type LevelRecord struct {
	Instrument string  `parquet:"name=instrument, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  int64   `parquet:"name=timestamp, type=INT64"`
	UpdateID   int64   `parquet:"name=update_id, type=INT64"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Quantity   float64 `parquet:"name=quantity, type=DOUBLE"`
	Level      int32   `parquet:"name=level, type=INT32"`
}

// writeSnapshotParquet flattens snapshots to per-level rows and writes
// them as a snappy-compressed parquet file at path.
func writeSnapshotParquet(path, instrument string, snapshots []models.BookSnapshot) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(LevelRecord), 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range snapshots {
		snap := &snapshots[i]
		if err := writeSide(pw, instrument, snap, snap.Bids, "bid"); err != nil {
			pw.WriteStop()
			fw.Close()
			return err
		}
		if err := writeSide(pw, instrument, snap, snap.Asks, "ask"); err != nil {
			pw.WriteStop()
			fw.Close()
			return err
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Close()
}

func writeSide(pw *writer.ParquetWriter, instrument string, snap *models.BookSnapshot, levels []models.Level, side string) error {
	for i, lvl := range levels {
		price, _ := lvl.Price.Float64()
		qty, _ := lvl.Quantity.Float64()
		record := LevelRecord{
			Instrument: instrument,
			Timestamp:  snap.Timestamp,
			UpdateID:   snap.UpdateID,
			Side:       side,
			Price:      price,
			Quantity:   qty,
			Level:      int32(i + 1),
		}
		if err := pw.Write(record); err != nil {
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	return nil
}
