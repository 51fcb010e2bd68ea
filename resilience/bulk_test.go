// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package resilience

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBulkOperationManagerRunPreservesOrder(t *testing.T) {
	m := NewBulkOperationManager(2, 2)

	tasks := make([]Task, 5)
	for i := 0; i < 5; i++ {
		i := i
		tasks[i] = func() (interface{}, error) { return i * i, nil }
	}

	results := m.Run(tasks, nil)
	require.Equal(t, []interface{}{0, 1, 4, 9, 16}, results)
}

func TestBulkOperationManagerRunRoutesErrors(t *testing.T) {
	m := NewBulkOperationManager(3, 3)
	failAt := errors.New("failed at 1")

	tasks := []Task{
		func() (interface{}, error) { return "ok0", nil },
		func() (interface{}, error) { return nil, failAt },
		func() (interface{}, error) { return "ok2", nil },
	}

	var errIndex int32 = -1
	var errSeen error
	results := m.Run(tasks, func(index int, err error) {
		atomic.StoreInt32(&errIndex, int32(index))
		errSeen = err
	})

	require.Equal(t, "ok0", results[0])
	require.Nil(t, results[1])
	require.Equal(t, "ok2", results[2])
	require.Equal(t, int32(1), atomic.LoadInt32(&errIndex))
	require.ErrorIs(t, errSeen, failAt)
}

func TestBulkOperationManagerRunEmpty(t *testing.T) {
	m := NewBulkOperationManager(4, 4)
	results := m.Run(nil, nil)
	require.Empty(t, results)
}

func TestBulkOperationManagerZeroBatchSizeRunsAllAtOnce(t *testing.T) {
	m := NewBulkOperationManager(0, 0)

	tasks := make([]Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = func() (interface{}, error) { return i, nil }
	}

	results := m.Run(tasks, nil)
	require.Len(t, results, 10)
	for i, r := range results {
		require.Equal(t, i, r)
	}
}
