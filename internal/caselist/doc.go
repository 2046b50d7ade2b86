// Package caselist reads the operator's case list: one subject identifier per
// line, with comments and blank lines ignored, sliced to a 1-based inclusive
// index range and exposed as a restartable cursor.
package caselist
