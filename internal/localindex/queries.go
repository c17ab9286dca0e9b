package localindex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// FindExistingBookFiles returns every vault path currently recorded as
// an instance of bookKey.
func (idx *Index) FindExistingBookFiles(ctx context.Context, bookKey string) ([]string, error) {
	if idx.db == nil {
		return nil, nil
	}
	rows, err := idx.db.QueryContext(ctx, `SELECT vault_path FROM book_instances WHERE book_key = ?`, bookKey)
	if err != nil {
		return nil, fmt.Errorf("find existing book files: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ShouldProcessSource reports whether sourcePath needs (re)processing:
// false iff the stored (mtime,size) match and newestAnnotationTs does
// not exceed the stored one.
func (idx *Index) ShouldProcessSource(ctx context.Context, sourcePath string, mtimeUnix int64, size int64, newestAnnotationTs string) (bool, error) {
	if idx.db == nil {
		return true, nil
	}
	var storedMtime sql.NullInt64
	var storedSize sql.NullInt64
	var storedNewest sql.NullString
	err := idx.db.QueryRowContext(ctx, `
		SELECT strftime('%s', last_processed_mtime), last_processed_size, newest_annotation_ts
		FROM import_source WHERE source_path = ?`, sourcePath).
		Scan(&storedMtime, &storedSize, &storedNewest)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("should process source: %w", err)
	}

	if !storedMtime.Valid || storedMtime.Int64 != mtimeUnix || !storedSize.Valid || storedSize.Int64 != size {
		return true, nil
	}
	if storedNewest.Valid && newestAnnotationTs > storedNewest.String {
		return true, nil
	}
	return false, nil
}

// SourceRecord is the stored processing state for one source file.
type SourceRecord struct {
	Found              bool
	MtimeUnix          int64
	Size               int64
	NewestAnnotationTs string
}

// GetSourceRecord returns the stored processing state for sourcePath,
// or a zero-value record with Found=false if nothing is stored yet.
func (idx *Index) GetSourceRecord(ctx context.Context, sourcePath string) (SourceRecord, error) {
	if idx.db == nil {
		return SourceRecord{}, nil
	}
	var storedMtime sql.NullInt64
	var storedSize sql.NullInt64
	var storedNewest sql.NullString
	err := idx.db.QueryRowContext(ctx, `
		SELECT strftime('%s', last_processed_mtime), last_processed_size, newest_annotation_ts
		FROM import_source WHERE source_path = ?`, sourcePath).
		Scan(&storedMtime, &storedSize, &storedNewest)
	if err == sql.ErrNoRows {
		return SourceRecord{}, nil
	}
	if err != nil {
		return SourceRecord{}, fmt.Errorf("get source record: %w", err)
	}
	if !storedMtime.Valid || !storedSize.Valid {
		return SourceRecord{}, nil
	}
	return SourceRecord{
		Found:              true,
		MtimeUnix:          storedMtime.Int64,
		Size:               storedSize.Int64,
		NewestAnnotationTs: storedNewest.String,
	}, nil
}

// RecordSuccessParams carries the fields recorded on a successful
// import of a source.
type RecordSuccessParams struct {
	SourcePath         string
	MtimeUnix          int64
	Size               int64
	NewestAnnotationTs string
	BookKey            string
	MD5                string
}

// RecordImportSuccess upserts the source's processing state after a
// successful import, clearing any prior error.
func (idx *Index) RecordImportSuccess(ctx context.Context, p RecordSuccessParams) error {
	return idx.withWriter(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO import_source
				(source_path, last_processed_mtime, last_processed_size, newest_annotation_ts, last_success_ts, last_error, book_key, md5)
			VALUES (?, datetime(?, 'unixepoch'), ?, ?, ?, NULL, ?, ?)
			ON CONFLICT(source_path) DO UPDATE SET
				last_processed_mtime = excluded.last_processed_mtime,
				last_processed_size = excluded.last_processed_size,
				newest_annotation_ts = excluded.newest_annotation_ts,
				last_success_ts = excluded.last_success_ts,
				last_error = NULL,
				book_key = excluded.book_key,
				md5 = excluded.md5
		`, p.SourcePath, p.MtimeUnix, p.Size, toNullString(p.NewestAnnotationTs), Now(), toNullString(p.BookKey), toNullString(p.MD5))
		if err != nil {
			return fmt.Errorf("record import success: %w", err)
		}
		return nil
	})
}

// RecordImportFailure records lastError against sourcePath without
// touching the rest of its processing state.
func (idx *Index) RecordImportFailure(ctx context.Context, sourcePath, lastError string) error {
	return idx.withWriter(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO import_source (source_path, last_error)
			VALUES (?, ?)
			ON CONFLICT(source_path) DO UPDATE SET last_error = excluded.last_error
		`, sourcePath, lastError)
		if err != nil {
			return fmt.Errorf("record import failure: %w", err)
		}
		return nil
	})
}

// ClearImportSource removes a source's processing state entirely, e.g.
// when the on-device file has been deleted.
func (idx *Index) ClearImportSource(ctx context.Context, sourcePath string) error {
	return idx.withWriter(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM import_source WHERE source_path = ?`, sourcePath)
		if err != nil {
			return fmt.Errorf("clear import source: %w", err)
		}
		return nil
	})
}

// UpsertBook records or updates a book row and, if vaultPath is
// non-empty, adds it as an instance.
func (idx *Index) UpsertBook(ctx context.Context, id, key, title, authors, vaultPath string) error {
	return idx.withWriter(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO book (key, id, title, authors) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET id = excluded.id, title = excluded.title, authors = excluded.authors
		`, key, id, title, authors)
		if err != nil {
			return fmt.Errorf("upsert book: %w", err)
		}

		if vaultPath == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO book_instances (book_key, vault_path) VALUES (?, ?)
			ON CONFLICT(vault_path) DO UPDATE SET book_key = excluded.book_key
		`, key, vaultPath)
		if err != nil {
			return fmt.Errorf("upsert book instance: %w", err)
		}
		return nil
	})
}

// RenameInstance updates the instance path on a single-note vault
// rename: only the row whose path equals oldPath is rewritten. Folder
// renames go through RenameFolderPrefix.
func (idx *Index) RenameInstance(ctx context.Context, oldPath, newPath string) error {
	return idx.withWriter(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE book_instances SET vault_path = ? WHERE vault_path = ?`, newPath, oldPath)
		if err != nil {
			return fmt.Errorf("rename instance: %w", err)
		}
		return nil
	})
}

// RenameFolderPrefix rewrites every instance path beginning with
// oldPrefix to begin with newPrefix instead, for a folder-level rename.
func (idx *Index) RenameFolderPrefix(ctx context.Context, oldPrefix, newPrefix string) error {
	return idx.withWriter(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT vault_path FROM book_instances WHERE vault_path LIKE ? || '%'`, oldPrefix)
		if err != nil {
			return fmt.Errorf("rename folder prefix scan: %w", err)
		}
		var paths []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return err
			}
			paths = append(paths, p)
		}
		rows.Close()

		for _, old := range paths {
			updated := newPrefix + strings.TrimPrefix(old, oldPrefix)
			if _, err := tx.ExecContext(ctx, `UPDATE book_instances SET vault_path = ? WHERE vault_path = ?`, updated, old); err != nil {
				return fmt.Errorf("rename folder prefix update %s: %w", old, err)
			}
		}
		return nil
	})
}

// DeleteInstance removes an instance row on a vault file delete,
// triggering the book GC trigger if it was the last instance.
func (idx *Index) DeleteInstance(ctx context.Context, vaultPath string) error {
	return idx.withWriter(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM book_instances WHERE vault_path = ?`, vaultPath)
		if err != nil {
			return fmt.Errorf("delete instance: %w", err)
		}
		return nil
	})
}

// RepointInstance re-derives a tracked note's book-key on a frontmatter
// change and atomically moves its instance row to the new key.
func (idx *Index) RepointInstance(ctx context.Context, vaultPath, newBookKey, newID, newTitle, newAuthors string) error {
	return idx.withWriter(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO book (key, id, title, authors) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET id = excluded.id, title = excluded.title, authors = excluded.authors
		`, newBookKey, newID, newTitle, newAuthors); err != nil {
			return fmt.Errorf("repoint upsert book: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO book_instances (book_key, vault_path) VALUES (?, ?)
			ON CONFLICT(vault_path) DO UPDATE SET book_key = excluded.book_key
		`, newBookKey, vaultPath); err != nil {
			return fmt.Errorf("repoint instance: %w", err)
		}
		return nil
	})
}
