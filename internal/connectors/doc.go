// Package connectors holds the document sources that feed ingestion.
// Each source turns an external location into extracted text plus the
// metadata ingestion needs.
package connectors
