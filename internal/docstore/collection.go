package docstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/persistd/internal/queryir"
	"github.com/roach88/persistd/internal/querysql"
)

// querier is the subset of *sql.DB, *sql.Tx and *sql.Conn used by
// collection operations.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type collection struct {
	name  string
	table string
	db    *sqliteDatabase
	tx    *sqliteTx // nil outside a transaction
}

func (c *collection) Name() string { return c.name }

// read runs fn on the transaction connection or on the pool.
func (c *collection) read(ctx context.Context, fn func(q querier) error) error {
	if c.tx != nil {
		return c.tx.run(ctx, false, fn)
	}
	return fn(c.db.db)
}

// write runs fn atomically: inside a savepoint of the user transaction, or
// in its own short transaction.
func (c *collection) write(ctx context.Context, fn func(q querier) error) error {
	if c.tx != nil {
		return c.tx.run(ctx, true, fn)
	}

	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *collection) exists(ctx context.Context, q querier) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", c.table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check collection %q: %w", c.name, err)
	}
	return n > 0, nil
}

func (c *collection) ensure(ctx context.Context, q querier) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT NOT NULL PRIMARY KEY, doc TEXT NOT NULL)",
		querysql.QuoteIdent(c.table))
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create collection %q: %w", c.name, err)
	}
	return nil
}

func parseFilter(filter Document) (queryir.Predicate, error) {
	pred, err := queryir.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return pred, nil
}

func (c *collection) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := c.read(ctx, func(q querier) error {
		ok, err := c.exists(ctx, q)
		if err != nil || !ok {
			return err
		}
		query, params, err := c.db.compiler.Count(c.table, nil)
		if err != nil {
			return err
		}
		return q.QueryRowContext(ctx, query, params...).Scan(&count)
	})
	return count, err
}

func (c *collection) InsertMany(ctx context.Context, docs []Document) (map[int]any, error) {
	ids := make(map[int]any, len(docs))
	err := c.write(ctx, func(q querier) error {
		if err := c.ensure(ctx, q); err != nil {
			return err
		}
		for i, doc := range docs {
			id, err := c.insert(ctx, q, doc)
			if err != nil {
				return fmt.Errorf("insert document %d: %w", i, err)
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// insert stores one document, generating its _id when missing.
func (c *collection) insert(ctx context.Context, q querier, doc Document) (any, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document must be an object", ErrInvalidDocument)
	}
	stored := make(Document, len(doc)+1)
	for k, v := range doc {
		stored[k] = v
	}
	id, ok := stored["_id"]
	if !ok {
		id = c.db.newID()
		stored["_id"] = id
	}
	key, err := idKey(id)
	if err != nil {
		return nil, err
	}
	text, err := queryir.MarshalValue(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (id, doc) VALUES (?, ?)", querysql.QuoteIdent(c.table))
	if _, err := q.ExecContext(ctx, stmt, key, text); err != nil {
		return nil, translateError(err)
	}
	return id, nil
}

type matchedRow struct {
	rowid int64
	doc   Document
}

func (c *collection) Update(ctx context.Context, filter, update Document, opts UpdateOptions) (UpdateResult, error) {
	var result UpdateResult

	pred, err := parseFilter(filter)
	if err != nil {
		return result, err
	}
	ops, err := parseUpdate(update)
	if err != nil {
		return result, err
	}

	err = c.write(ctx, func(q querier) error {
		ok, err := c.exists(ctx, q)
		if err != nil {
			return err
		}

		var rows []matchedRow
		if ok {
			rows, err = c.matching(ctx, q, pred, !opts.Many)
			if err != nil {
				return err
			}
		}

		for _, row := range rows {
			updated, err := applyUpdate(row.doc, ops)
			if err != nil {
				return err
			}
			if err := checkIDUnchanged(row.doc, updated); err != nil {
				return err
			}
			result.Matched++

			before, err := queryir.MarshalValue(row.doc)
			if err != nil {
				return err
			}
			after, err := queryir.MarshalValue(updated)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
			}
			if before == after {
				continue
			}
			stmt := fmt.Sprintf("UPDATE %s SET doc = ? WHERE rowid = ?", querysql.QuoteIdent(c.table))
			if _, err := q.ExecContext(ctx, stmt, after, row.rowid); err != nil {
				return translateError(err)
			}
			result.Modified++
		}

		if result.Matched > 0 || !opts.Upsert {
			return nil
		}

		doc, err := upsertDocument(pred, ops)
		if err != nil {
			return err
		}
		if err := c.ensure(ctx, q); err != nil {
			return err
		}
		id, err := c.insert(ctx, q, doc)
		if err != nil {
			return err
		}
		result.UpsertedID = id
		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return result, nil
}

// matching loads the rows an update visits. Rows are read fully before any
// UPDATE runs on the same connection.
func (c *collection) matching(ctx context.Context, q querier, pred queryir.Predicate, one bool) ([]matchedRow, error) {
	query, params, err := c.db.compiler.Matching(c.table, pred, one)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matchedRow
	for rows.Next() {
		var row matchedRow
		var text string
		if err := rows.Scan(&row.rowid, &text); err != nil {
			return nil, err
		}
		if row.doc, err = DecodeDocument([]byte(text)); err != nil {
			return nil, fmt.Errorf("decode stored document: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *collection) Delete(ctx context.Context, filter Document, opts DeleteOptions) (int64, error) {
	pred, err := parseFilter(filter)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = c.write(ctx, func(q querier) error {
		ok, err := c.exists(ctx, q)
		if err != nil || !ok {
			return err
		}
		stmt, params, err := c.db.compiler.Delete(c.table, pred, !opts.Many)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		res, err := q.ExecContext(ctx, stmt, params...)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

func (c *collection) Find(ctx context.Context, filter Document, opts FindOptions) ([]Document, error) {
	pred, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	sortKeys, err := opts.Sort.sortKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: sort: %v", ErrInvalidQuery, err)
	}

	sqlOpts := querysql.FindOptions{Sort: sortKeys, Skip: -1, Limit: -1}
	if opts.Skip != nil {
		if *opts.Skip < 0 {
			return nil, fmt.Errorf("%w: skip must not be negative", ErrInvalidQuery)
		}
		sqlOpts.Skip = *opts.Skip
	}
	if opts.Limit != nil && *opts.Limit != 0 {
		if *opts.Limit < 0 {
			return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidQuery)
		}
		sqlOpts.Limit = *opts.Limit
	}

	docs := []Document{}
	err = c.read(ctx, func(q querier) error {
		ok, err := c.exists(ctx, q)
		if err != nil || !ok {
			return err
		}
		query, params, err := c.db.compiler.Find(c.table, pred, sqlOpts)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		rows, err := q.QueryContext(ctx, query, params...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var text string
			if err := rows.Scan(&text); err != nil {
				return err
			}
			doc, err := DecodeDocument([]byte(text))
			if err != nil {
				return fmt.Errorf("decode stored document: %w", err)
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *collection) FindOne(ctx context.Context, filter Document) (Document, error) {
	one := int64(1)
	docs, err := c.Find(ctx, filter, FindOptions{Limit: &one})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// indexName scopes an index to its collection; SQLite index names are
// database-wide.
func (c *collection) indexName(name string) string {
	return "idx:" + c.name + ":" + name
}

func (c *collection) CreateIndex(ctx context.Context, model IndexModel) (string, error) {
	if len(model.Keys) == 0 {
		return "", fmt.Errorf("%w: index needs at least one key", ErrInvalidQuery)
	}
	keys, err := model.Keys.sortKeys()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	name := model.Name
	if name == "" {
		name = model.Keys.DefaultIndexName()
	}

	unique := ""
	if model.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique,
		querysql.QuoteIdent(c.indexName(name)),
		querysql.QuoteIdent(c.table),
		c.db.compiler.IndexColumns(keys))

	err = c.write(ctx, func(q querier) error {
		if err := c.ensure(ctx, q); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return translateError(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func (c *collection) DropIndex(ctx context.Context, name string) error {
	full := c.indexName(name)
	return c.write(ctx, func(q querier) error {
		var n int
		err := q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ? AND tbl_name = ?",
			full, c.table).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %q on collection %q", ErrIndexNotFound, name, c.name)
		}
		_, err = q.ExecContext(ctx, "DROP INDEX "+querysql.QuoteIdent(full))
		return err
	})
}

func (c *collection) Drop(ctx context.Context) error {
	return c.write(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+querysql.QuoteIdent(c.table))
		return err
	})
}
