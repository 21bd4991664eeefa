package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catalogContract runs against an empty catalog of each backend.
var catalogContract = []struct {
	name string
	run  func(t *testing.T, c Catalog)
}{
	{"RegisterThenReport", testRegisterThenReport},
	{"RegisterWithoutTaskIsNoop", testRegisterWithoutTaskIsNoop},
	{"PutTaskUpdatesOwner", testPutTaskUpdatesOwner},
	{"PutReportMovesTask", testPutReportMovesTask},
	{"PutValidation", testPutValidation},
}

func testRegisterThenReport(t *testing.T, c Catalog) {
	ctx := context.Background()

	require.NoError(t, Register(ctx, c, "r1", "t1", "alice"))

	r, err := c.Report(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "t1", r.Task)
	assert.Equal(t, "alice", r.Owner)
	assert.False(t, r.CreatedAt.IsZero())
}

func testRegisterWithoutTaskIsNoop(t *testing.T, c Catalog) {
	ctx := context.Background()

	require.NoError(t, Register(ctx, c, "r1", "", "alice"))
	_, err := c.Report(ctx, "r1")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func testPutTaskUpdatesOwner(t *testing.T, c Catalog) {
	ctx := context.Background()

	require.NoError(t, c.PutTask(ctx, Task{ID: "t1", Name: "weekly", Owner: "alice"}))
	require.NoError(t, c.PutTask(ctx, Task{ID: "t1", Owner: "bob"}))
	require.NoError(t, c.PutReport(ctx, "r1", "t1"))

	r, err := c.Report(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "bob", r.Owner)
}

func testPutReportMovesTask(t *testing.T, c Catalog) {
	ctx := context.Background()

	require.NoError(t, Register(ctx, c, "r1", "t1", "alice"))
	require.NoError(t, Register(ctx, c, "r1", "t2", "bob"))

	r, err := c.Report(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "t2", r.Task)
	assert.Equal(t, "bob", r.Owner)
}

func testPutValidation(t *testing.T, c Catalog) {
	ctx := context.Background()

	assert.Error(t, c.PutTask(ctx, Task{}))
	assert.Error(t, c.PutReport(ctx, "", "t1"))
	assert.Error(t, c.PutReport(ctx, "r1", ""))
}
