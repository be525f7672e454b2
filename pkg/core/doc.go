// Package core provides the fundamental types and interfaces for the
// batchjobs module.
//
// This package contains:
//   - Job, Task, Worker and history data models with GORM annotations
//   - Status enums with exhaustive transition tables
//   - Storage and Dispatcher interfaces defining the boundary contracts
//   - Error types shared by every subsystem
//
// Most users should import the root package github.com/praxion/batchjobs
// instead of this package directly.
package core
