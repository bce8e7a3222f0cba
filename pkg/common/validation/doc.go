// Package validation provides common validation utilities for configuration
// parameters across the coordination core.
//
// Constructors for locks, rate limiters, the login guard and the rule
// scheduler use these helpers so that invalid settings surface as
// errors.ValidationError values with consistent messages.
package validation
