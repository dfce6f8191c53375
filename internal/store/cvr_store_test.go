package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	syncerr "github.com/lucidstream/viewsync/internal/errors"
	"github.com/lucidstream/viewsync/internal/model"
)

func TestFlushRefusedAfterRowFlusherFailure(t *testing.T) {
	writer := &fakeRowWriter{failAfter: 1}
	f := newRowFlusher(writer, 512, 8, nil, zap.NewNop())
	defer f.Stop(time.Second)

	s := &CVRStore{flusher: f, inlineRowLimit: 32, logger: zap.NewNop()}

	done, err := f.Enqueue(context.Background(), model.CVRVersion{StateVersion: "0b"}, makeRows(5))
	assert.NoError(t, err)
	assert.Error(t, <-done)
	assert.Equal(t, 0, f.PendingCount())

	// An inline-eligible flush after the failure must be refused: marking
	// rows-version here would advance the frontier past the lost batch.
	cvr := &model.CVR{ID: "g1", Version: model.CVRVersion{StateVersion: "0b", MinorVersion: 1}}
	err = s.Flush(context.Background(), model.CVRVersion{StateVersion: "0b"}, cvr, &model.CVRDiff{})
	assert.True(t, syncerr.IsCode(err, syncerr.ErrCodeUnavailable))

	_, marks := writer.snapshot()
	assert.Empty(t, marks, "frontier must not move after the row tier failed")
}
