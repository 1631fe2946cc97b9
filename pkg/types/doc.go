// Package types defines the property-tax record shared by the ingest gateway
// and the compute service, together with its JSON wire decoding.
//
// DecodeRecord is the parse boundary: it ignores unknown fields and rejects
// payloads with missing or null required fields, so a PropertyRecord that
// leaves this package is always fully formed. last_payment_unix is the only
// optional field.
package types
