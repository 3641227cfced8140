package persistence

import (
	"context"

	"github.com/roach88/persistd/internal/docstore"
)

// CollectionView routes collection operations to the engine, inside a
// transaction when the view was created with one. Views hold no state of
// their own: two views of the same name address the same collection.
type CollectionView struct {
	db   *Database
	name string
	txID string
}

func (v *CollectionView) Name() string { return v.name }

// TransactionID returns the scoping transaction, or "".
func (v *CollectionView) TransactionID() string { return v.txID }

// collection looks the transaction up on every call, so a view outliving
// its transaction fails with unknown_transaction, and one outliving its
// database with unknown_database.
func (v *CollectionView) collection() (docstore.Collection, error) {
	if v.db.closed.Load() {
		return nil, errUnknownDatabase(v.db.alias)
	}
	if v.txID == "" {
		c, err := v.db.engine.Collection(v.name)
		if err != nil {
			return nil, v.db.fail(err)
		}
		return c, nil
	}

	tx, err := v.db.txs.Get(v.txID)
	if err != nil {
		return nil, err
	}
	c, err := tx.Collection(v.name)
	if err != nil {
		return nil, v.db.fail(err)
	}
	return c, nil
}

func (v *CollectionView) CountDocuments(ctx context.Context) (int64, error) {
	c, err := v.collection()
	if err != nil {
		return 0, err
	}
	n, err := c.CountDocuments(ctx)
	if err != nil {
		return 0, v.db.fail(err)
	}
	return n, nil
}

// Insert stores the documents and maps each input index to its _id.
func (v *CollectionView) Insert(ctx context.Context, docs []docstore.Document) (map[int]any, error) {
	c, err := v.collection()
	if err != nil {
		return nil, err
	}
	ids, err := c.InsertMany(ctx, docs)
	if err != nil {
		return nil, v.db.fail(err)
	}
	return ids, nil
}

func (v *CollectionView) Update(ctx context.Context, query, update docstore.Document, ops OperationCount, upsert bool) (docstore.UpdateResult, error) {
	c, err := v.collection()
	if err != nil {
		return docstore.UpdateResult{}, err
	}
	res, err := c.Update(ctx, query, update, docstore.UpdateOptions{
		Many:   ops == OperationsMany,
		Upsert: upsert,
	})
	if err != nil {
		return docstore.UpdateResult{}, v.db.fail(err)
	}
	return res, nil
}

// Delete removes the first matching document (one) or all of them (many)
// and returns how many were removed.
func (v *CollectionView) Delete(ctx context.Context, query docstore.Document, ops OperationCount) (int64, error) {
	c, err := v.collection()
	if err != nil {
		return 0, err
	}
	n, err := c.Delete(ctx, query, docstore.DeleteOptions{Many: ops == OperationsMany})
	if err != nil {
		return 0, v.db.fail(err)
	}
	return n, nil
}

// DeleteOne reports whether a matching document was removed. The engine
// removes at most one document, so the result is exact.
func (v *CollectionView) DeleteOne(ctx context.Context, query docstore.Document) (bool, error) {
	n, err := v.Delete(ctx, query, OperationsOne)
	return n > 0, err
}

func (v *CollectionView) Find(ctx context.Context, filter docstore.Document, opts docstore.FindOptions) ([]docstore.Document, error) {
	c, err := v.collection()
	if err != nil {
		return nil, err
	}
	docs, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, v.db.fail(err)
	}
	return docs, nil
}

// FindOne returns the first matching document, or nil.
func (v *CollectionView) FindOne(ctx context.Context, filter docstore.Document) (docstore.Document, error) {
	c, err := v.collection()
	if err != nil {
		return nil, err
	}
	doc, err := c.FindOne(ctx, filter)
	if err != nil {
		return nil, v.db.fail(err)
	}
	return doc, nil
}

// CreateIndex creates an index and returns its name.
func (v *CollectionView) CreateIndex(ctx context.Context, keys docstore.Keys, name string, unique bool) (string, error) {
	c, err := v.collection()
	if err != nil {
		return "", err
	}
	created, err := c.CreateIndex(ctx, docstore.IndexModel{Keys: keys, Name: name, Unique: unique})
	if err != nil {
		return "", v.db.fail(err)
	}
	return created, nil
}

func (v *CollectionView) DropIndex(ctx context.Context, name string) error {
	c, err := v.collection()
	if err != nil {
		return err
	}
	if err := c.DropIndex(ctx, name); err != nil {
		return v.db.fail(err)
	}
	return nil
}

// Drop removes the collection with its documents and indexes.
func (v *CollectionView) Drop(ctx context.Context) error {
	c, err := v.collection()
	if err != nil {
		return err
	}
	if err := c.Drop(ctx); err != nil {
		return v.db.fail(err)
	}
	return nil
}
