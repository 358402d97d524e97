package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite upgrades databases written by earlier releases: author ids
// were not always stored, names could be NULL and the per-session dedupe
// index did not exist.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("raffled: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "messages")
	if err != nil {
		return fmt.Errorf("sqlite: describe messages: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("raffled: sqlite: messages table missing; skipping migration")
		return nil
	}

	if _, ok := columns["author_id"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE messages ADD COLUMN author_id TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("sqlite: ensure author_id column: %w", err)
		}
		log.Printf("raffled: sqlite: added author_id column to messages")
	}

	res, err := db.ExecContext(ctx, `UPDATE messages SET author_name='Unknown' WHERE author_name IS NULL OR TRIM(author_name)='';`)
	if err != nil {
		return fmt.Errorf("sqlite: normalize author_name: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("raffled: sqlite: normalized author_name rows=%d", n)
	}

	dedupeSQL := `DELETE FROM messages
WHERE message_id IS NOT NULL
  AND TRIM(message_id) != ''
  AND rowid NOT IN (
    SELECT MIN(rowid)
    FROM messages
    WHERE message_id IS NOT NULL
      AND TRIM(message_id) != ''
    GROUP BY session_id, message_id
);`
	if res, execErr := db.ExecContext(ctx, dedupeSQL); execErr != nil {
		return fmt.Errorf("sqlite: dedupe session/message_id: %w", execErr)
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("raffled: sqlite: removed %d duplicate messages", n)
	}

	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS messages_uq_session_msg
        ON messages(session_id, message_id);`); err != nil {
		return fmt.Errorf("sqlite: ensure messages_uq_session_msg: %w", err)
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "messages", "messages_uq_session_msg")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}

	var unnamed int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE author_name IS NULL;`).Scan(&unnamed); err != nil {
		return fmt.Errorf("sqlite: count null author_name: %w", err)
	}

	log.Printf("raffled: sqlite: messages_uq_session_msg=%v author_name_nulls=%d", hasIndex, unnamed)

	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	if err := rows.Err(); err != nil {
		return "(unknown)"
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		lower := strings.ToLower(strings.TrimSpace(name))
		out[lower] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
