package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func RegisterRiskPrompts(s *server.MCPServer) {
	triage := mcp.NewPrompt("risk_triage",
		mcp.WithPromptDescription("Walk through a scored job and explain its high-risk transactions"),
		mcp.WithArgument("job_id", mcp.ArgumentDescription("Job to review"), mcp.RequiredArgument()),
	)
	s.AddPrompt(triage, triageHandler)

	entity := mcp.NewPrompt("risk_entity_profile",
		mcp.WithPromptDescription("Summarize everything known about one entity"),
		mcp.WithArgument("entity", mcp.ArgumentDescription("Entity ID or canonical key"), mcp.RequiredArgument()),
	)
	s.AddPrompt(entity, entityProfileHandler)
}

func triageHandler(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	jobID := request.Params.Arguments["job_id"]
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Triage of job %s", jobID),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Use risk_job_status for job %s. For every HIGH or MEDIUM record call risk_record, "+
						"name the factors that drove its score and their sources, and flag any data_gap factor. "+
						"List FAILED records with their failure stage. Finish with risk_statistics for the job.", jobID)),
			},
		},
	}, nil
}

func entityProfileHandler(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	entity := request.Params.Arguments["entity"]
	if entity == "" {
		return nil, fmt.Errorf("entity is required")
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Profile of %s", entity),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Call risk_entity for %s and summarize its sanctions, regulatory, media, legal and jurisdiction findings. "+
						"Then call risk_related_entities with depth 2 and risk_similar_entities with its name, "+
						"and point out any related entity that is itself high risk.", entity)),
			},
		},
	}, nil
}
