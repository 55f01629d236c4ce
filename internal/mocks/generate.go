// Package mocks provides mock implementations for testing the queue services.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the store port.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	store := mocks.NewMockJobStore(ctrl)
//	store.EXPECT().Get(gomock.Any(), "job-1").Return(job, nil)
package mocks

// Generate mock for the JobStore interface from internal/core:
// Create, Get, Update, ListByState, ListDue, Delete, Queues, Counts
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_store_mock.go github.com/target/mmk-queue/internal/core JobStore
