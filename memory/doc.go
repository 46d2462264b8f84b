// Package memory persists conversation messages as embedded vectors so that
// semantically similar earlier messages can be found later.
//
// Architecture:
//   - Index: vector storage backend (chromem-go locally, any hosted index
//     speaking the same filter dialect in production)
//   - Embedder: text-to-vector conversion (mock, ONNX, Gemini)
//   - Store: embeds, writes and links records, runs filtered search,
//     reconstructs threads and cascades deletes
//
// Every record carries the same closed metadata schema (see Record). Each
// assistant record points at the user message it answers through ParentID
// and the parent points back through ChildID, which lets GetThread rebuild
// an exchange from any message in it.
package memory
