// Package engine holds the domain model shared by the admission controller,
// the worker pool, and the stores: publishers with daily quotas, processing
// jobs with their status state machine, generated question sets, and the
// collaborator interfaces (stores, crawler, language model).
package engine
