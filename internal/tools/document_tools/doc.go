// Package document_tools provides the two MCP tools the deep research agent
// uses against iManage Work:
//   - search: find documents by title or keyword
//   - fetch: retrieve one document's extracted text and profile metadata
//
// Both tools return their payload as indented JSON inside a single text
// content item. Handlers are wrapped with common.InstrumentedToolHandler so
// every call is traced, counted and audited.
package document_tools
