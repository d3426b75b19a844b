// Package ingestor holds the domain types and collaborator interfaces shared by
// the fetch, transform, ingest and orchestration subsystems.
package ingestor
