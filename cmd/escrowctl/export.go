package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	_ "modernc.org/sqlite"

	"escrowdao/core/state"
	"escrowdao/native/escrow"
	"escrowdao/storage"
)

// exportRow is the flattened audit view of one escrow.
type exportRow struct {
	ID              uint64 `parquet:"name=id, type=INT64, convertedtype=UINT_64"`
	Client          string `parquet:"name=client, type=BYTE_ARRAY, convertedtype=UTF8"`
	Freelancer      string `parquet:"name=freelancer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount          string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status          string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Description     string `parquet:"name=description, type=BYTE_ARRAY, convertedtype=UTF8"`
	Deadline        string `parquet:"name=deadline, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClientApproved  bool   `parquet:"name=client_approved, type=BOOLEAN"`
	DisputeRaisedBy string `parquet:"name=dispute_raised_by, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisputeRaisedAt string `parquet:"name=dispute_raised_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	FeeBps          int32  `parquet:"name=fee_bps, type=INT32"`
	ResolvedTo      string `parquet:"name=resolved_to, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fee             string `parquet:"name=fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payout          string `parquet:"name=payout, type=BYTE_ARRAY, convertedtype=UTF8"`
}

var exportHeader = []string{
	"id", "client", "freelancer", "amount", "status", "description", "deadline", "created_at", "client_approved",
	"dispute_raised_by", "dispute_raised_at", "fee_bps", "resolved_to", "fee", "payout",
}

func (r exportRow) record() []string {
	return []string{
		strconv.FormatUint(r.ID, 10),
		r.Client,
		r.Freelancer,
		r.Amount,
		r.Status,
		r.Description,
		r.Deadline,
		r.CreatedAt,
		strconv.FormatBool(r.ClientApproved),
		r.DisputeRaisedBy,
		r.DisputeRaisedAt,
		strconv.FormatInt(int64(r.FeeBps), 10),
		r.ResolvedTo,
		r.Fee,
		r.Payout,
	}
}

func newExportRow(esc *escrow.Escrow) exportRow {
	row := exportRow{
		ID:             esc.ID,
		Client:         esc.Client.Hex(),
		Freelancer:     esc.Freelancer.Hex(),
		Amount:         esc.Amount.String(),
		Status:         esc.Status.String(),
		Description:    esc.Description,
		Deadline:       esc.Deadline.UTC().Format(time.RFC3339),
		CreatedAt:      esc.CreatedAt.UTC().Format(time.RFC3339),
		ClientApproved: esc.ClientApproved,
		FeeBps:         int32(esc.FeeBps),
	}
	if esc.DisputeRaisedBy != nil {
		row.DisputeRaisedBy = esc.DisputeRaisedBy.Hex()
	}
	if esc.DisputeRaisedAt != nil {
		row.DisputeRaisedAt = esc.DisputeRaisedAt.UTC().Format(time.RFC3339)
	}
	if esc.ResolvedTo != (common.Address{}) {
		row.ResolvedTo = esc.ResolvedTo.Hex()
	}
	if esc.Fee != nil {
		row.Fee = esc.Fee.String()
	}
	if esc.Payout != nil {
		row.Payout = esc.Payout.String()
	}
	return row
}

func runExport(args []string) error {
	fs := flag.NewFlagSet(exportCommand, flag.ExitOnError)
	backend := fs.String("backend", storage.BackendLevelDB, "Ledger storage backend (leveldb or bolt)")
	path := fs.String("path", "data/escrowd", "Ledger storage path")
	format := fs.String("format", "csv", "Output format: csv, parquet or sqlite")
	out := fs.String("out", "", "Output file (defaults to escrows-<timestamp>.<format>)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rows, err := loadRows(context.Background(), *backend, *path)
	if err != nil {
		return err
	}
	target := strings.TrimSpace(*out)
	if target == "" {
		target = fmt.Sprintf("escrows-%s.%s", time.Now().UTC().Format("20060102T150405Z"), *format)
	}
	if dir := filepath.Dir(target); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	switch strings.ToLower(*format) {
	case "csv":
		err = writeCSV(target, rows)
	case "parquet":
		err = writeParquet(target, rows)
	case "sqlite":
		err = writeSQLite(target, rows)
	default:
		return fmt.Errorf("unsupported format %q", *format)
	}
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d escrows to %s\n", len(rows), target)
	return nil
}

func loadRows(ctx context.Context, backend, path string) ([]exportRow, error) {
	db, err := storage.Open(backend, path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	ledger := escrow.NewEngine(state.NewManager(db), common.Address{}, common.Address{})
	var rows []exportRow
	err = ledger.Escrows(ctx, func(esc *escrow.Escrow) error {
		rows = append(rows, newExportRow(esc))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read escrows: %w", err)
	}
	return rows, nil
}

func writeCSV(path string, rows []exportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(exportHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row.record()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func writeParquet(path string, rows []exportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(exportRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("finish parquet: %w", err)
	}
	return file.Close()
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS escrows (
    id INTEGER PRIMARY KEY,
    client TEXT NOT NULL,
    freelancer TEXT NOT NULL,
    amount TEXT NOT NULL,
    status TEXT NOT NULL,
    description TEXT,
    deadline TEXT NOT NULL,
    created_at TEXT NOT NULL,
    client_approved INTEGER NOT NULL,
    dispute_raised_by TEXT,
    dispute_raised_at TEXT,
    fee_bps INTEGER NOT NULL,
    resolved_to TEXT,
    fee TEXT,
    payout TEXT
);`

func writeSQLite(path string, rows []exportRow) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO escrows (` + strings.Join(exportHeader, ", ") + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.Exec(row.ID, row.Client, row.Freelancer, row.Amount, row.Status, row.Description,
			row.Deadline, row.CreatedAt, row.ClientApproved, row.DisputeRaisedBy, row.DisputeRaisedAt,
			row.FeeBps, row.ResolvedTo, row.Fee, row.Payout); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert escrow %d: %w", row.ID, err)
		}
	}
	return tx.Commit()
}
