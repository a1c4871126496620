package profile

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/marcelocantos/jn/internal/address"
	"github.com/marcelocantos/jn/internal/plugin"
)

// mcpReserved are query keys that select the MCP request rather than
// becoming tool arguments.
var mcpReserved = []string{"tool", "list", "resource"}

// ServerSpec tells the mcp plugin how to launch the server.
type ServerSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// resolveMCP encodes an MCP request for the mcp plugin:
//
//	@server/tool?x=1           tools/call {name: tool, arguments: {x: "1"}}
//	@server/any?tool=other     tools/call {name: other, ...}
//	@server/any?list=tools     tools/list
//	@server/any?list=resources resources/list
//	@server/any?resource=uri   resources/read {uri}
func (r *Resolver) resolveMCP(res *Resolution, caller address.Params, mode plugin.Mode) error {
	def := res.Definition
	if def.Command == "" {
		return fmt.Errorf("profile %s: mcp server has no command", res.Ref)
	}

	var (
		method mcp.MCPMethod
		params any
	)
	switch {
	case caller.Get("list") == "tools":
		method = mcp.MethodToolsList
	case caller.Get("list") == "resources":
		method = mcp.MethodResourcesList
	case caller.Has("list"):
		return fmt.Errorf("profile %s: cannot list %q (want tools or resources)", res.Ref, caller.Get("list"))
	case caller.Has("resource"):
		method = mcp.MethodResourcesRead
		params = mcp.ReadResourceParams{URI: caller.Get("resource")}
	default:
		tool := def.Tool
		if caller.Has("tool") {
			tool = caller.Get("tool")
		}
		res.Definition.Tool = tool
		method = mcp.MethodToolsCall
		params = mcp.CallToolParams{Name: tool, Arguments: toolArguments(res.Params)}
	}

	server, err := json.Marshal(ServerSpec{Command: def.Command, Args: def.Args, Env: def.Env})
	if err != nil {
		return fmt.Errorf("profile %s: server spec: %w", res.Ref, err)
	}
	config := address.Params{
		"server": {string(server)},
		"method": {string(method)},
	}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("profile %s: request params: %w", res.Ref, err)
		}
		config.Set("params", string(encoded))
	}

	id := def.Plugin
	if id == "" {
		id = "mcp"
	}
	d, err := r.registry.ByID(id)
	if err != nil {
		return fmt.Errorf("profile %s: %w", res.Ref, err)
	}
	res.Stages = []plugin.Invocation{d.Invocation(mode, config, "")}
	return nil
}

// toolArguments flattens params: single values become strings, repeated
// values become lists.
func toolArguments(params address.Params) map[string]any {
	args := make(map[string]any, len(params))
	for k, vs := range params {
		if len(vs) == 1 {
			args[k] = vs[0]
		} else {
			args[k] = vs
		}
	}
	return args
}
