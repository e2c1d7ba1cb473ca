// Package trigger turns schedule specifications into fire times.
//
// Evaluation is pure: the same spec and reference instant always yield the
// same next fire time, which keeps the scheduler loop trivially testable.
package trigger
