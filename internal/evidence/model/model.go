// Package model defines the evidence and case records shared by the store,
// the submission pipeline and the change feed.
package model
