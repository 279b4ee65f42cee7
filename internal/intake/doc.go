// Package intake accepts submitted artifacts into scratch storage, records a
// new study in the ledger, and announces it on the uploaded topic.
package intake
