package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/athapong/aio-risk/pkg/risk/pipeline"
	"github.com/athapong/aio-risk/pkg/risk/processors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterRiskTools exposes the coordinator's ingestion and query operations.
func RegisterRiskTools(s *server.MCPServer, coord *pipeline.Coordinator) {
	h := &riskHandlers{coord: coord}

	submitTool := mcp.NewTool("risk_submit_file",
		mcp.WithDescription("Ingest a transaction file and score every transaction in it. Pass either file_path or content."),
		mcp.WithString("file_path", mcp.Description("Path of the file to ingest")),
		mcp.WithString("content", mcp.Description("Inline file content, used when file_path is empty")),
		mcp.WithString("file_name", mcp.Description("Name for inline content, used to detect the format")),
		mcp.WithString("format", mcp.Description("JSON, CSV, EXCEL, XML, PDF, TXT or HTML; detected from the file name when empty")),
		mcp.WithBoolean("reprocess", mcp.Description("Process the file again even if it was ingested before")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the job to finish and return its report (default true)")),
	)
	s.AddTool(submitTool, errorGuard(h.submit))

	jobTool := mcp.NewTool("risk_job_status",
		mcp.WithDescription("Show a job and the status, score and failure of each of its records"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID returned by risk_submit_file")),
	)
	s.AddTool(jobTool, errorGuard(h.jobStatus))

	s.AddTool(mcp.NewTool("risk_list_jobs",
		mcp.WithDescription("List every ingested file job"),
	), errorGuard(h.listJobs))

	recordTool := mcp.NewTool("risk_record",
		mcp.WithDescription("Show one transaction record with its entities and score breakdown"),
		mcp.WithString("record_id", mcp.Required(), mcp.Description("Record ID")),
	)
	s.AddTool(recordTool, errorGuard(h.record))

	entityTool := mcp.NewTool("risk_entity",
		mcp.WithDescription("Show a resolved entity with its enrichment and latest risk score"),
		mcp.WithString("entity", mcp.Required(), mcp.Description("Entity ID or canonical key such as organization|Acme Corp")),
	)
	s.AddTool(entityTool, errorGuard(h.entity))

	statsTool := mcp.NewTool("risk_statistics",
		mcp.WithDescription("Summarize completed transactions by risk level"),
		mcp.WithString("job_id", mcp.Description("Limit to one job; all jobs when empty")),
	)
	s.AddTool(statsTool, errorGuard(h.statistics))

	similarTool := mcp.NewTool("risk_similar_entities",
		mcp.WithDescription("Find entities whose names and profiles resemble the query"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name or description to search for")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 5)")),
	)
	s.AddTool(similarTool, errorGuard(h.similar))

	relatedTool := mcp.NewTool("risk_related_entities",
		mcp.WithDescription("List entities connected to an entity through shared transactions"),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity ID")),
		mcp.WithNumber("depth", mcp.Description("Number of hops to follow (default 1)")),
	)
	s.AddTool(relatedTool, errorGuard(h.related))

	cancelTool := mcp.NewTool("risk_cancel_job",
		mcp.WithDescription("Stop scheduling the remaining records of a running job"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID")),
	)
	s.AddTool(cancelTool, errorGuard(h.cancel))

	purgeTool := mcp.NewTool("risk_purge_job",
		mcp.WithDescription("Delete a finished job and its records"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID")),
	)
	s.AddTool(purgeTool, errorGuard(h.purge))
}

type riskHandlers struct {
	coord *pipeline.Coordinator
}

func (h *riskHandlers) submit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("file_path", "")
	name := req.GetString("file_name", "")

	var data []byte
	switch {
	case path != "":
		content, err := os.ReadFile(path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read file: %v", err)), nil
		}
		data = content
		name = filepath.Base(path)
	case req.GetString("content", "") != "":
		data = []byte(req.GetString("content", ""))
	default:
		return mcp.NewToolResultError("file_path or content is required"), nil
	}

	format := processors.FormatOf(req.GetString("format", ""), name)
	if format == "" {
		return mcp.NewToolResultError("format is required when it cannot be detected from the file name"), nil
	}

	job, err := h.coord.Submit(ctx, pipeline.SubmitRequest{
		FileName:  name,
		Format:    format,
		Data:      data,
		Reprocess: req.GetBool("reprocess", false),
	})
	if err != nil {
		if job != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Job %s failed: %v", job.ID, err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit file: %v", err)), nil
	}
	if !req.GetBool("wait", true) {
		return jsonResult(job)
	}

	if _, err := h.coord.Wait(ctx, job.ID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Job %s is still running: %v", job.ID, err)), nil
	}
	report, err := h.coord.JobStatus(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return jsonResult(report)
}

func (h *riskHandlers) jobStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report, err := h.coord.JobStatus(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
	}
	return jsonResult(report)
}

func (h *riskHandlers) listJobs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs, err := h.coord.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(jobs)
}

func (h *riskHandlers) record(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("record_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := h.coord.Record(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get record: %v", err)), nil
	}
	return jsonResult(rec)
}

func (h *riskHandlers) entity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("entity")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	e, err := h.coord.Entity(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get entity: %v", err)), nil
	}
	return jsonResult(e)
}

func (h *riskHandlers) statistics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := h.coord.Statistics(ctx, req.GetString("job_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to compute statistics: %v", err)), nil
	}
	return jsonResult(stats)
}

func (h *riskHandlers) similar(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	matches, err := h.coord.SimilarEntities(ctx, name, req.GetInt("limit", 5))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Similarity search failed: %v", err)), nil
	}
	return jsonResult(matches)
}

func (h *riskHandlers) related(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nodes, err := h.coord.RelatedEntities(ctx, id, req.GetInt("depth", 1))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Graph query failed: %v", err)), nil
	}
	return jsonResult(nodes)
}

func (h *riskHandlers) cancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := h.coord.Cancel(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel job: %v", err)), nil
	}
	return jsonResult(job)
}

func (h *riskHandlers) purge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := h.coord.Purge(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to purge job: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Job %s purged", id)), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorGuard turns handler errors and panics into tool error results.
func errorGuard(handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				result = mcp.NewToolResultError(fmt.Sprintf("Panic: %v", r))
				err = nil
			}
		}()
		result, err = handler(ctx, req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: %v", err)), nil
		}
		return result, nil
	}
}
