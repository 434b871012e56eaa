package config

import (
	"context"
	"errors"
	"strings"

	"github.com/mmdatafocus/erpsync_backend/utils"
	"gorm.io/gorm"
)

// ErrHardDeleteForbidden is returned for DELETE statements on synced tables.
var ErrHardDeleteForbidden = errors.New("hard delete of synced rows is forbidden; mark the row inactive instead")

// TombstoneGuardPlugin rejects hard deletes on any model that carries an `is_active`
// column. Synced rows are only ever tombstoned (is_active=false).
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL. Sync code never issues raw deletes.
// - Maintenance bypass is explicit via utils.SetAllowHardDeleteInContext.
type TombstoneGuardPlugin struct{}

func NewTombstoneGuardPlugin() *TombstoneGuardPlugin { return &TombstoneGuardPlugin{} }

func (p *TombstoneGuardPlugin) Name() string { return "tombstone_guard" }

func (p *TombstoneGuardPlugin) Initialize(db *gorm.DB) error {
	return db.Callback().Delete().Before("gorm:delete").Register("tombstone_guard:delete", tombstoneGuardCallback)
}

func tombstoneGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return
	}
	if allowHardDelete(db.Statement.Context) {
		return
	}
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, "is_active") {
			_ = db.AddError(ErrHardDeleteForbidden)
			return
		}
	}
}

func allowHardDelete(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, ok := utils.GetAllowHardDeleteFromContext(ctx)
	return ok && v
}
