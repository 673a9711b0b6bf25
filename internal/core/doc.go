// Package core holds the types shared by every stage of the ingestion and
// export pipeline: operation records and their lifecycle, job parameters,
// the error taxonomy and cell value conversion.
//
// # Operations
//
// Every import or export run is an [OperationRecord]. The owning job moves it
// through PENDING, PROCESSING and exactly one terminal status. Counters and
// terminal outcomes are written through an [OperationStore].
//
// # Error Handling
//
// Stages return typed errors ([DetectionError], [MappingError],
// [ValidationError], [PersistenceError], [ExportError]) or sentinels
// ([ErrCancelled], [ErrOverloaded]). [MapError] turns any of them into a
// user-facing message with a support code:
//
//   - FILE001-FILE005: unreadable, oversized or unsupported files
//   - MAP001-MAP002: missing columns and failed transformations
//   - VAL001: entity validation
//   - DB001-DB005: store errors
//   - EXP001-EXP002: export errors
//   - SYS001-SYS005: overload, cancellation, lookups, timeouts, rate limits
package core
