package saga_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/saga"
	"github.com/stretchr/testify/require"
)

func TestSQLStateStore_SaveIssuesUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO saga_state").
		WithArgs("saga-1", "executing", sqlmock.AnyArg(), "1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := saga.NewSQLStateStore(db)
	err = store.Save(context.Background(), contracts.SagaState{
		SagaID:  "saga-1",
		Status:  contracts.SagaExecuting,
		Context: contracts.NewSagaContext("saga-1"),
		Version: "1",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStateStore_LoadReturnsPersistenceErrorWhenMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT data FROM saga_state").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	store := saga.NewSQLStateStore(db)
	_, err = store.Load(context.Background(), "missing")
	require.Error(t, err)
}
