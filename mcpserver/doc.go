// Package mcpserver exposes a profile's component functions as tools
// on a Model Context Protocol server. Each exported function becomes
// one tool whose input and output schemas are derived from the
// component's interface descriptor, so MCP clients get full argument
// validation hints without any per-tool configuration. Prompts from
// the profile are served as MCP prompts. Both stdio and streamable
// HTTP transports are supported.
package mcpserver
