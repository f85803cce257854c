package redis

import (
	"encoding/json"
	"fmt"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/value"
)

// keyspace lays out every key under one prefix:
//
//	{p}tables                    set of table names
//	{p}{table}:doc:{pk}          document JSON
//	{p}{table}:indexes           hash: index name -> catalog entry
//	{p}{table}:ix:{name}         sorted set of encoded index keys
//	{p}changes:{table}           channel of document changes
//	{p}indexes                   channel of index-set changes
//
// pk is the encoded primary key, which is also the primary index member.
type keyspace struct {
	prefix string
}

func (k keyspace) tables() string { return k.prefix + "tables" }
func (k keyspace) doc(table, pk string) string { return k.prefix + table + ":doc:" + pk }
func (k keyspace) catalog(table string) string { return k.prefix + table + ":indexes" }
func (k keyspace) index(table, name string) string { return k.prefix + table + ":ix:" + name }
func (k keyspace) changes(table string) string { return k.prefix + "changes:" + table }
func (k keyspace) indexEvents() string { return k.prefix + "indexes" }

func primaryKey(id any) string { return string(value.EncodeTuple(id)) }

// memberKey maps an index member back to the primary key of its document:
// the last component of every index key is the document id.
func memberKey(member string) (string, error) {
	key, err := value.DecodeTuple([]byte(member))
	if err != nil || len(key) == 0 {
		return "", fmt.Errorf("corrupt index member %q", member)
	}
	return primaryKey(key[len(key)-1]), nil
}

// catalogEntry is the value stored for an index in the table catalog.
type catalogEntry struct {
	Fields []string      `json:"fields"`
	State  db.IndexState `json:"state"`
}

func (e catalogEntry) member(doc domain.Document, id any) string {
	return string(value.EncodeTuple(db.IndexKey(doc, e.Fields, id)...))
}

func decodeCatalog(raw map[string]string) (map[string]catalogEntry, error) {
	out := make(map[string]catalogEntry, len(raw))
	for name, v := range raw {
		var e catalogEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("index %q: corrupt catalog entry: %w", name, err)
		}
		out[name] = e
	}
	return out, nil
}

// changeMessage is what goes over a changes channel.
type changeMessage struct {
	OldVal  domain.Document `json:"old_val,omitempty"`
	NewVal  domain.Document `json:"new_val,omitempty"`
	Dropped bool            `json:"dropped,omitempty"`
}

// indexMessage is what goes over the index events channel.
type indexMessage struct {
	Table   string   `json:"table"`
	Indexes []string `json:"indexes,omitempty"`
	Dropped bool     `json:"dropped,omitempty"`
}
