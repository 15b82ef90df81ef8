/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-syncdispatch/syncop"
)

func TestNewPostgresQueue(t *testing.T) {
	_, err := NewPostgresQueue("")
	require.Error(t, err)

	q, err := NewPostgresQueue("postgres://localhost/sync?sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, q.Close(), "closing a never-used queue must not fail")
}

func TestPostgresQueue_InitErrorIsSticky(t *testing.T) {
	q, err := NewPostgresQueue("postgres://localhost/sync?sslmode=disable")
	require.NoError(t, err)

	openErr := errors.New("connection refused")
	q.openDB = func(driverName, dsn string) (*sql.DB, error) {
		return nil, openErr
	}

	op := syncop.NewOperation(syncop.KindCreate, "p1", nil)
	require.ErrorIs(t, q.Enqueue(context.Background(), op), openErr)

	// Initialization runs once; later calls report the same error.
	_, claimErr := q.Claim(context.Background(), "w1", 0)
	require.ErrorIs(t, claimErr, openErr)
}
