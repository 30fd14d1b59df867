package datastore

import (
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/tphakala/birdcam-go/internal/errors"
)

// MySQL server error numbers worth retrying
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlTooManyConns    = 1040
)

// dbError creates a categorized database error with context
func dbError(err error, operation, priority string, context ...any) error {
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	if priority != "" {
		builder = builder.Priority(priority)
	}

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}

	return builder.Build()
}

// notFound maps gorm.ErrRecordNotFound to a not-found error
func notFound(err error, id uint64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.NotFoundError("record", id)
	}
	return nil
}

// isRetryable reports whether a failed write may succeed when repeated:
// SQLite busy/locked/IO errors, MySQL lock timeouts and deadlocks, and
// dropped connections.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		}
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlLockWaitTimeout, mysqlDeadlock, mysqlTooManyConns:
			return true
		}
		return false
	}

	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is locked", "database table is locked", "busy", "disk i/o", "bad connection", "connection refused"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
