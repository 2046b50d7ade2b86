// Package staging manages the local working directories of subjects: moving a
// processed subject out of the staging area, setting aside files that are not
// part of its output set, and removing directories once their outcome is
// durable.
package staging
