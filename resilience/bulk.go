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

import "sync"

// Task is one unit of work submitted to a BulkOperationManager.
type Task func() (interface{}, error)

// BulkOperationManager partitions a slice of Tasks into fixed-size
// batches and runs each batch's tasks under a bounded concurrency limit,
// aggregating per-task results and routing per-task errors to a callback
// instead of aborting the whole run on the first failure — used where
// one bad item (a stale peer, an unreachable tracker tier) shouldn't
// sink the rest of the batch.
type BulkOperationManager struct {
	batchSize     int
	maxConcurrent int
}

// NewBulkOperationManager creates a BulkOperationManager. A batchSize or
// maxConcurrent <= 0 is treated as "no limit" (one batch, unbounded
// concurrency).
func NewBulkOperationManager(batchSize, maxConcurrent int) *BulkOperationManager {
	return &BulkOperationManager{batchSize: batchSize, maxConcurrent: maxConcurrent}
}

// Run invokes every task in tasks, across possibly-concurrent batches,
// returning results in the same order as tasks. A failing task leaves a
// nil slot in results; onError (if non-nil) is invoked with the task's
// index and error for every failure. Run itself never returns an error.
func (m *BulkOperationManager) Run(tasks []Task, onError func(index int, err error)) []interface{} {
	results := make([]interface{}, len(tasks))
	batchSize := m.batchSize
	if batchSize <= 0 {
		batchSize = len(tasks)
	}
	if batchSize == 0 {
		return results
	}

	for start := 0; start < len(tasks); start += batchSize {
		end := start + batchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		m.runBatch(tasks[start:end], start, results, onError)
	}
	return results
}

func (m *BulkOperationManager) runBatch(batch []Task, offset int, results []interface{}, onError func(int, error)) {
	maxConcurrent := m.maxConcurrent
	if maxConcurrent <= 0 || maxConcurrent > len(batch) {
		maxConcurrent = len(batch)
	}
	if maxConcurrent == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	wg.Add(len(batch))
	for i, task := range batch {
		i, task := i, task
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r, err := task()
			if err != nil {
				if onError != nil {
					onError(offset+i, err)
				}
				return
			}
			results[offset+i] = r
		}()
	}
	wg.Wait()
}
