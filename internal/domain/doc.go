// Package domain defines the core types of the MailGenius send pipeline.
//
// Types here are pure value objects: no database handles, no HTTP, no
// context.Context fields. They are the shared language between the queue
// store, the worker pool, the retry system, and the API layer.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - JSON/DB tags are metadata, not behavior
//   - Pure validation methods and enums belong here
package domain
