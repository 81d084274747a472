// Package record encodes and decodes Stored Records: the serialized form of a
// bound value inside the synchronous stores and the async KV store.
//
// Records are canonical JSON:
//   - Object keys sorted by UTF-16 code units (RFC 8785 ordering)
//   - No HTML escaping (< > & are written literally)
//   - Strings NFC normalized
//   - U+2028 and U+2029 written literally
//   - Numbers kept exactly as encoding/json produced them
//
// Equal values always produce identical bytes, so two contexts writing the same
// value produce the same record and the notifier can compare records by content.
package record
