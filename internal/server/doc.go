// Package server implements the MCP (Model Context Protocol) server for the
// screenshot pipeline.
//
// # Protocol
//
// The server speaks JSON-RPC 2.0 over either transport:
//   - stdio: one request per line on stdin, responses on stdout
//   - HTTP: POST /mcp with one request per body (see Handler)
//
// Over stdio each request is handled on its own goroutine, so several
// screenshots may be in flight and responses can arrive out of order.
//
// Supported MCP methods:
//   - initialize: Protocol handshake
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool with arguments
//   - prompts/list, prompts/get: Canned analysis prompts
//   - notifications/cancelled: Cancel an in-flight request
//   - ping: Health check
//
// # Available Tools
//
//   - take_screenshot: capture the active window, OCR it and analyze it.
//     Arguments are mode ("description", "question" or "both") and question.
//   - quota_status: today's analysis quota usage.
//
// take_screenshot returns an image content block with the PNG followed by a
// text block holding a JSON ScreenshotOutput. When analysis could not run the
// image and OCR text are still returned and analysisError names why.
//
// # Error Handling
//
// Fatal pipeline failures are returned as JSON-RPC errors:
//   - code: -32602 for rejected arguments, -32000 for any other failure
//   - message: "Invalid params" or "Tool execution failed"
//   - data: a ToolError with the failure kind and a readable message
//
// Internal errors never expose their cause to the client; it is logged instead.
package server
