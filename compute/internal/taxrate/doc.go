// Package taxrate derives the tax owed on a property record.
//
//	tax = assessed_value * (BaseRate + Surcharge(location_code) + penalty)
//
// penalty is OverduePenaltyRate when the record is overdue and zero otherwise.
// Compute is pure: no I/O, no shared mutable state, no rounding. Negative
// assessed values are not rejected and yield a negative tax.
package taxrate
