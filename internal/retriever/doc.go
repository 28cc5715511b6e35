// Package retriever returns the knowledge-base passages most relevant to a
// piece of free text.
//
// Retrieval is an enhancement, not a prerequisite: when no vector index is
// configured the retriever returns an empty result, and any failure along
// the embed/lookup path degrades to an empty result with a logged warning.
// The composer is expected to handle zero passages gracefully.
//
// The Vertex implementation embeds the query with a publisher text-embedding
// model, queries the deployed Matching Engine index, and joins the neighbor
// IDs against a local passage catalog (written by the external index build
// tooling) to recover snippet text and provenance.
package retriever
