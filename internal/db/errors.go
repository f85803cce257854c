package db

import "errors"

// Sentinel errors for database operations.
var (
	ErrKeyNotFound   = errors.New("db: key not found")
	ErrKeyExists     = errors.New("db: key already exists")
	ErrIndexNotFound = errors.New("db: index not found")
	ErrIndexExists   = errors.New("db: index already exists")
	ErrTableNotFound = errors.New("db: table not found")
	ErrTableExists   = errors.New("db: table already exists")
	ErrClosed        = errors.New("db: store closed")
)

// Op constants map to Valkey/Redis command names for error context.
const (
	OpCreateIndex = "HSETNX"
	OpIndexInfo   = "HGET"
	OpIndexList   = "HGETALL"
	OpRange       = "ZRANGE"
	OpZAdd        = "ZADD"
	OpTxn         = "EXEC"
	OpMGet        = "MGET"
	OpGet         = "GET"
	OpDel         = "DEL"
	OpSAdd        = "SADD"
	OpSIsMember   = "SISMEMBER"
	OpSMembers    = "SMEMBERS"
	OpPublish     = "PUBLISH"
	OpSubscribe   = "SUBSCRIBE"
	OpScan        = "ZSCAN"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
