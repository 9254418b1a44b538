// Package normalisers cleans extracted document text before chunking.
// Text arrives already extracted from binary formats; normalisers only
// canonicalise it so that chunk offsets and hashes are stable.
package normalisers
