package mcpclient

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"
)

// AnthropicTools returns the cached catalog in Messages API shape.
// Tool schemas arrive from the server as full JSON Schema documents; the
// Messages API wants properties and required lifted to the top level.
func (c *Client) AnthropicTools() ([]anthropic.ToolUnionParam, error) {
	tools, err := c.Tools()
	if err != nil {
		return nil, err
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: inputSchemaParam(t.InputSchema),
		}})
	}
	return out, nil
}

func inputSchemaParam(schema []byte) anthropic.ToolInputSchemaParam {
	var param anthropic.ToolInputSchemaParam
	if props := gjson.GetBytes(schema, "properties"); props.Exists() {
		param.Properties = props.Value()
	}
	if req := gjson.GetBytes(schema, "required"); req.IsArray() {
		for _, r := range req.Array() {
			param.Required = append(param.Required, r.String())
		}
	}
	return param
}
