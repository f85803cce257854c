package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/db"
)

const backfillBatch = 500

// CreateTable adds a table to the table set.
func (s *Store) CreateTable(ctx context.Context, table string) error {
	added, err := s.do(ctx, s.b().Sadd().Key(s.keys.tables()).Member(table).Build()).AsInt64()
	if err != nil {
		return &db.Error{Op: db.OpSAdd, Err: err}
	}
	if added == 0 {
		return &db.Error{Op: db.OpSAdd, Err: db.ErrTableExists}
	}
	s.publishIndexes(ctx, indexMessage{Table: table, Indexes: []string{}})
	return nil
}

// DropTable removes a table with its documents and indexes and ends its
// changefeeds.
func (s *Store) DropTable(ctx context.Context, table string) error {
	removed, err := s.do(ctx, s.b().Srem().Key(s.keys.tables()).Member(table).Build()).AsInt64()
	if err != nil {
		return &db.Error{Op: db.OpDel, Err: err}
	}
	if removed == 0 {
		return &db.Error{Op: db.OpDel, Err: db.ErrTableNotFound}
	}

	results := s.client.DoMulti(ctx,
		s.b().Hkeys().Key(s.keys.catalog(table)).Build(),
		s.b().Zrange().Key(s.keys.index(table, db.PrimaryIndex)).Min("-").Max("+").Bylex().Build(),
	)
	names, err := results[0].AsStrSlice()
	if err != nil {
		return &db.Error{Op: db.OpIndexList, Err: err}
	}
	pks, err := results[1].AsStrSlice()
	if err != nil {
		return &db.Error{Op: db.OpRange, Err: err}
	}

	keys := []string{s.keys.catalog(table), s.keys.index(table, db.PrimaryIndex)}
	for _, name := range names {
		keys = append(keys, s.keys.index(table, name))
	}
	for _, pk := range pks {
		keys = append(keys, s.keys.doc(table, pk))
	}
	dropped, _ := json.Marshal(changeMessage{Dropped: true})
	if err := s.exec(ctx,
		s.b().Del().Key(keys...).Build(),
		s.b().Publish().Channel(s.keys.changes(table)).Message(string(dropped)).Build(),
	); err != nil {
		return err
	}
	s.publishIndexes(ctx, indexMessage{Table: table, Dropped: true})
	return nil
}

// ListTables returns table names in order.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	names, err := s.do(ctx, s.b().Smembers().Key(s.keys.tables()).Build()).AsStrSlice()
	if err != nil {
		return nil, &db.Error{Op: db.OpSMembers, Err: err}
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	n, err := s.do(ctx, s.b().Sismember().Key(s.keys.tables()).Member(table).Build()).AsInt64()
	if err != nil {
		return false, &db.Error{Op: db.OpSIsMember, Err: err}
	}
	return n == 1, nil
}

// WaitTable polls until the table exists.
func (s *Store) WaitTable(ctx context.Context, table string) error {
	return s.poll(ctx, func() (bool, error) {
		return s.tableExists(ctx, table)
	})
}

// CreateIndex claims the index name in the catalog and backfills the index
// in the background. WaitIndex reports when the backfill is done.
func (s *Store) CreateIndex(ctx context.Context, table string, def *db.IndexDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid index definition: %w", err)
	}
	ok, err := s.tableExists(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return &db.Error{Op: db.OpCreateIndex, Err: db.ErrTableNotFound}
	}

	raw, err := json.Marshal(catalogEntry{Fields: def.Fields, State: db.IndexBuilding})
	if err != nil {
		return fmt.Errorf("marshal catalog entry: %w", err)
	}
	cmd := s.b().Hsetnx().Key(s.keys.catalog(table)).Field(def.Name).Value(string(raw)).Build()
	claimed, err := s.do(ctx, cmd).AsInt64()
	if err != nil {
		return &db.Error{Op: db.OpCreateIndex, Err: err}
	}
	if claimed == 0 {
		return &db.Error{Op: db.OpCreateIndex, Err: db.ErrIndexExists}
	}

	if names, err := s.ListIndexes(ctx, table); err == nil {
		s.publishIndexes(ctx, indexMessage{Table: table, Indexes: names})
	}

	entry := catalogEntry{Fields: slices.Clone(def.Fields), State: db.IndexReady}
	s.goBackground(func(ctx context.Context) {
		if err := s.backfill(ctx, table, def.Name, entry); err != nil {
			s.logger.Error("index backfill failed",
				zap.String("table", table),
				zap.String("index", def.Name),
				zap.Error(err),
			)
		}
	})
	return nil
}

// backfill adds every stored document to a new index, then marks it ready.
// Writes racing the backfill maintain the index themselves since the
// catalog already lists it.
func (s *Store) backfill(ctx context.Context, table, name string, entry catalogEntry) error {
	cmd := s.b().Zrange().Key(s.keys.index(table, db.PrimaryIndex)).Min("-").Max("+").Bylex().Build()
	pks, err := s.do(ctx, cmd).AsStrSlice()
	if err != nil {
		return &db.Error{Op: db.OpRange, Err: err}
	}

	for chunk := range slices.Chunk(pks, backfillBatch) {
		docs, err := s.fetch(ctx, table, chunk)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			continue
		}
		add := s.b().Zadd().Key(s.keys.index(table, name)).ScoreMember()
		for _, doc := range docs {
			id, _ := doc.ID()
			add = add.ScoreMember(0, entry.member(doc, id))
		}
		if err := s.do(ctx, add.Build()).Error(); err != nil {
			return &db.Error{Op: db.OpZAdd, Err: err}
		}
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal catalog entry: %w", err)
	}
	// The index may have been dropped while building.
	exists, err := s.do(ctx, s.b().Hexists().Key(s.keys.catalog(table)).Field(name).Build()).AsInt64()
	if err != nil {
		return &db.Error{Op: db.OpIndexInfo, Err: err}
	}
	if exists == 0 {
		return nil
	}
	if err := s.do(ctx, s.b().Hset().Key(s.keys.catalog(table)).FieldValue().FieldValue(name, string(raw)).Build()).Error(); err != nil {
		return &db.Error{Op: db.OpCreateIndex, Err: err}
	}
	s.logger.Debug("index built",
		zap.String("table", table),
		zap.String("index", name),
		zap.Int("entries", len(pks)),
	)
	return nil
}

// DropIndex removes a secondary index.
func (s *Store) DropIndex(ctx context.Context, table, name string) error {
	removed, err := s.do(ctx, s.b().Hdel().Key(s.keys.catalog(table)).Field(name).Build()).AsInt64()
	if err != nil {
		return &db.Error{Op: db.OpDel, Err: err}
	}
	if removed == 0 {
		return &db.Error{Op: db.OpDel, Err: db.ErrIndexNotFound}
	}
	if err := s.do(ctx, s.b().Del().Key(s.keys.index(table, name)).Build()).Error(); err != nil {
		return &db.Error{Op: db.OpDel, Err: err}
	}
	if names, err := s.ListIndexes(ctx, table); err == nil {
		s.publishIndexes(ctx, indexMessage{Table: table, Indexes: names})
	}
	return nil
}

// ListIndexes returns the secondary index names of a table.
func (s *Store) ListIndexes(ctx context.Context, table string) ([]string, error) {
	results := s.client.DoMulti(ctx,
		s.b().Sismember().Key(s.keys.tables()).Member(table).Build(),
		s.b().Hkeys().Key(s.keys.catalog(table)).Build(),
	)
	exists, err := results[0].AsInt64()
	if err != nil {
		return nil, &db.Error{Op: db.OpSIsMember, Err: err}
	}
	if exists == 0 {
		return nil, &db.Error{Op: db.OpIndexList, Err: db.ErrTableNotFound}
	}
	names, err := results[1].AsStrSlice()
	if err != nil {
		return nil, &db.Error{Op: db.OpIndexList, Err: err}
	}
	slices.Sort(names)
	return names, nil
}

// catalog returns the index catalog of a table.
func (s *Store) catalog(ctx context.Context, table string) (map[string]catalogEntry, error) {
	raw, err := s.do(ctx, s.b().Hgetall().Key(s.keys.catalog(table)).Build()).AsStrMap()
	if err != nil {
		return nil, &db.Error{Op: db.OpIndexList, Err: err}
	}
	return decodeCatalog(raw)
}

// WaitIndex polls the catalog until the index is ready. The primary index
// is ready as soon as its table exists.
func (s *Store) WaitIndex(ctx context.Context, table, name string) error {
	if name == db.PrimaryIndex {
		return s.WaitTable(ctx, table)
	}
	return s.poll(ctx, func() (bool, error) {
		raw, err := s.do(ctx, s.b().Hget().Key(s.keys.catalog(table)).Field(name).Build()).ToString()
		if rueidis.IsRedisNil(err) {
			return false, &db.Error{Op: db.OpIndexInfo, Err: db.ErrIndexNotFound}
		}
		if err != nil {
			return false, &db.Error{Op: db.OpIndexInfo, Err: err}
		}
		var e catalogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return false, &db.Error{Op: db.OpIndexInfo, Err: err}
		}
		return e.State == db.IndexReady, nil
	})
}

func (s *Store) publishIndexes(ctx context.Context, msg indexMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	cmd := s.b().Publish().Channel(s.keys.indexEvents()).Message(string(raw)).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		s.logger.Warn("failed to publish index event",
			zap.String("table", msg.Table),
			zap.Error(err),
		)
	}
}
