// Package provider defines the canonical contract between the turn
// orchestrator and remote language-model services. Each supported wire
// dialect lives in its own subpackage and translates its protocol into the
// dialect-neutral Chunk stream defined here; the orchestrator depends only on
// this package.
//
// Adapters register a Factory under their format id at init time, and the
// orchestrator obtains them through New. A streaming adapter yields chunks in
// the order the wire produced them, marks exactly one chunk as final, and
// treats caller cancellation as a normal, silent termination.
package provider
