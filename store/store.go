package store

import (
	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/idgen"
)

// Store wraps a database handle with the table prefix and ID generators.
// The handle may be a *sql.DB or a *sql.Tx; WithTx produces a view bound
// to a transaction so artifact writes, status transitions and follow-up
// enqueues commit together.
type Store struct {
	db     dbopen.DBTX
	prefix string

	newDocID      idgen.Generator
	newClauseID   idgen.Generator
	newAnalysisID idgen.Generator
	newChunkID    idgen.Generator
}

// New returns a Store reading and writing through db. prefix qualifies
// table names; pass "" for bare names.
func New(db dbopen.DBTX, prefix string) *Store {
	return &Store{
		db:            db,
		prefix:        prefix,
		newDocID:      idgen.Prefixed("doc_", idgen.UUIDv7()),
		newClauseID:   idgen.Prefixed("cls_", idgen.UUIDv7()),
		newAnalysisID: idgen.Prefixed("ana_", idgen.UUIDv7()),
		newChunkID:    idgen.Prefixed("chk_", idgen.UUIDv7()),
	}
}

// WithTx returns a copy of the Store whose statements run on tx.
func (s *Store) WithTx(tx dbopen.DBTX) *Store {
	c := *s
	c.db = tx
	return &c
}

func (s *Store) table(name string) string {
	return dbopen.Table(s.prefix, name)
}
