// Package mongodb implements the MongoDB source adapter, built on
// go.mongodb.org/mongo-driver/v2 (mongo, bson, mongo/options). BSON documents
// are walked recursively and each value handed to jsonbconv, which replaces
// driver-native BSON types with the engine's tagged wrapper objects.
package mongodb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/serenadb/seren-replicator/internal/errs"
	"github.com/serenadb/seren-replicator/internal/jsonbconv"
	"github.com/serenadb/seren-replicator/internal/locator"
	"github.com/serenadb/seren-replicator/internal/source"
)

var systemDatabases = map[string]bool{"admin": true, "local": true, "config": true}

type adapter struct{}

// New returns the MongoDB source.Adapter.
func New() source.Adapter { return adapter{} }

func (adapter) Kind() locator.Kind { return locator.KindMongoDB }

func (adapter) Connect(ctx context.Context, src *locator.Source) (source.Handle, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(src.DSN()))
	if err != nil {
		return nil, errs.Wrap(errs.SourcePrecondition, "source.mongodb.Connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errs.Wrap(errs.SourcePrecondition, "source.mongodb.Connect", err)
	}
	return &handle{client: client}, nil
}

type handle struct {
	client *mongo.Client
}

func (h *handle) Close(ctx context.Context) error {
	return h.client.Disconnect(ctx)
}

func (h *handle) ListDatabases(ctx context.Context) ([]string, error) {
	names, err := h.client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "source.mongodb.ListDatabases", err)
	}
	var out []string
	for _, n := range names {
		if !systemDatabases[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (h *handle) ListTables(ctx context.Context, database string) ([]source.Table, error) {
	names, err := h.client.Database(database).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "source.mongodb.ListTables", err)
	}
	var tables []source.Table
	for _, n := range names {
		if len(n) >= 7 && n[:7] == "system." {
			continue
		}
		tables = append(tables, source.Table{Database: database, Name: n})
	}
	return tables, nil
}

func (h *handle) TableSize(ctx context.Context, table source.Table) (source.SizeEstimate, error) {
	count, err := h.client.Database(table.Database).Collection(table.Name).EstimatedDocumentCount(ctx)
	if err != nil {
		return source.SizeEstimate{}, errs.Wrap(errs.TransientIO, "source.mongodb.TableSize", err)
	}
	return source.SizeEstimate{ApproxRows: count}, nil
}

// StreamRows applies predicate as a JSON-encoded Mongo filter document (the
// adapter-specific predicate format for this source kind).
func (h *handle) StreamRows(ctx context.Context, table source.Table, predicate string) (source.RowIterator, error) {
	filter := bson.D{}
	if predicate != "" {
		if err := json.Unmarshal([]byte(predicate), &filter); err != nil {
			return nil, errs.New(errs.InvalidInput, "source.mongodb.StreamRows", fmt.Sprintf("invalid mongo filter: %v", err))
		}
	}

	cursor, err := h.client.Database(table.Database).Collection(table.Name).Find(ctx, filter)
	if err != nil {
		return nil, errs.Wrap(errs.TransientIO, "source.mongodb.StreamRows", err)
	}
	return &rowIterator{cursor: cursor}, nil
}

type rowIterator struct {
	cursor *mongo.Cursor
	rowNum int
}

func (it *rowIterator) Next(ctx context.Context) (source.Row, bool, error) {
	if !it.cursor.Next(ctx) {
		if err := it.cursor.Err(); err != nil {
			return nil, false, errs.Wrap(errs.TransientIO, "source.mongodb.RowIterator.Next", err)
		}
		return nil, false, nil
	}

	var doc bson.D
	if err := it.cursor.Decode(&doc); err != nil {
		return nil, false, errs.Wrap(errs.DataIntegrity, "source.mongodb.RowIterator.Next", err)
	}

	converted, err := jsonbconv.ConvertBSONDocument(doc)
	if err != nil {
		return nil, false, errs.Wrap(errs.DataIntegrity, "source.mongodb.RowIterator.Next", err)
	}

	row := make(source.Row, len(converted))
	for k, v := range converted {
		row[k] = v
	}
	it.rowNum++
	return row, true, nil
}

func (it *rowIterator) Close() error {
	return it.cursor.Close(context.Background())
}
