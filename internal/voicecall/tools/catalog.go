package tools

import (
	"voice-bridge/internal/clients/ultravox"

	"github.com/invopop/jsonschema"
)

type toolSpec struct {
	name        string
	description string
	param       string
	schema      *jsonschema.Schema
}

// Catalog declares the tools offered to the engine. hangUp is the engine's
// built-in tool; the rest are executed by this service over the socket.
func Catalog() []ultravox.SelectedTool {
	specs := []toolSpec{
		{
			name:        ToolLookupProductInfo,
			description: "Searches official product documentation using semantic similarity to find relevant information. Use this tool to look up specific product features, specifications, limitations, pricing, or support information.",
			param:       "query",
			schema: &jsonschema.Schema{
				Type:        "string",
				Description: "A specific, focused search query to find relevant product information",
			},
		},
		{
			name:        ToolScheduleMeeting,
			description: "Schedule a meeting and send invitations to all participants",
			param:       "meetingDetails",
			schema:      reflectSchema(&MeetingDetails{}),
		},
		{
			name:        ToolSendEmail,
			description: "Send follow-up email with conversation summary and any requested information",
			param:       "emailContent",
			schema:      reflectSchema(&EmailContent{}),
		},
		{
			name:        ToolLookupOrder,
			description: "Look up details about a customer order by order number or customer email",
			param:       "orderIdentifier",
			schema:      reflectSchema(&OrderIdentifier{}),
		},
		{
			name:        ToolCreateSupportCase,
			description: "Create a support case for issues requiring human follow-up",
			param:       "caseDetails",
			schema:      reflectSchema(&CaseDetails{}),
		},
	}

	catalog := []ultravox.SelectedTool{{ToolName: ToolHangUp}}
	for _, s := range specs {
		catalog = append(catalog, ultravox.SelectedTool{
			TemporaryTool: &ultravox.TemporaryTool{
				ModelToolName: s.name,
				Description:   s.description,
				DynamicParameters: []ultravox.DynamicParameter{{
					Name:     s.param,
					Location: ultravox.ParameterLocationBody,
					Schema:   s.schema,
					Required: true,
				}},
				Client: &ultravox.ClientTool{},
			},
		})
	}
	return catalog
}

func reflectSchema(v interface{}) *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(v)
	schema.Version = ""
	schema.ID = ""
	return schema
}
