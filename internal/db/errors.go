package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/osail-liaso/relay/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// ErrTransactionConflict indicates concurrent writes to the same record collided.
// The write can be retried.
var ErrTransactionConflict = errors.New("transaction conflict")

// wrapQueryError maps known SurrealDB query errors to sentinel errors.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "already exists") || strings.Contains(msg, "already contains") {
			return fmt.Errorf("%w: %s", models.ErrAccountExists, msg)
		}
		if strings.Contains(msg, "Transaction conflict") {
			return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
		}
	}

	return err
}
