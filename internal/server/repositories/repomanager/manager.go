package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/convertly/internal/dbx"
	"github.com/dmitrijs2005/convertly/internal/server/repositories/downloads"
	"github.com/dmitrijs2005/convertly/internal/server/repositories/quotas"
)

// RepositoryManager vends repositories bound to a DB handle or transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Quotas(db dbx.DBTX) quotas.Repository
	Downloads(db dbx.DBTX) downloads.Repository
}
