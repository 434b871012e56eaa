package erpsync

import (
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

const mysqlErrDuplicateEntry = 1062

// isDuplicateKey reports unique-key violations, whether or not gorm translated them.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}

// touch stamps rows seen by the current run without changing anything else.
func touch(tx *gorm.DB, model any, id uint, run *Run) error {
	return tx.Model(model).Where("id = ?", id).UpdateColumn("sap_last_sync", run.Snapshot).Error
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func snapshotPtr(run *Run) *time.Time {
	t := run.Snapshot
	return &t
}
