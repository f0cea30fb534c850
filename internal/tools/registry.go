package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quoroom-dev/quoroom/internal/agent"
	"github.com/quoroom-dev/quoroom/pkg/models"
)

// Build assembles the tool registry for one worker's cycle. Every
// worker gets the cooperative surface; Queen-only tools (worker
// management, room configuration, wallet custody) register only when
// the acting worker is the room's Queen. Each tool is wrapped with
// schema validation so malformed arguments fail before any mutation.
func Build(d *Deps, room *models.Room, worker *models.Worker) *agent.ToolRegistry {
	c := &ctx{
		Deps:     d,
		RoomID:   room.ID,
		WorkerID: worker.ID,
		IsQueen:  worker.ID == room.QueenID,
	}

	reg := agent.NewToolRegistry()
	register := func(t agent.Tool) {
		reg.Register(newValidatedTool(t))
	}

	register(&setGoalTool{c})
	register(&createSubgoalTool{c})
	register(&updateProgressTool{c})
	register(&completeGoalTool{c})
	register(&abandonGoalTool{c})
	register(&proposeTool{c})
	register(&voteTool{c})
	register(&scheduleTaskTool{c})
	register(&rememberTool{c})
	register(&recallTool{c})
	register(&sendMessageTool{c})
	register(&webSearchTool{c})
	register(&webFetchTool{c})
	register(&browserTool{c})

	if c.IsQueen {
		register(&createWorkerTool{c})
		register(&updateWorkerTool{c})
		register(&configureRoomTool{c})
		register(&walletBalanceTool{c})
		register(&walletSendTool{c})
		register(&walletHistoryTool{c})
	}
	return reg
}

// validatedTool wraps a Tool with JSON Schema validation of its
// arguments. The schema is compiled once, lazily, and reused across
// calls.
type validatedTool struct {
	agent.Tool

	once    sync.Once
	schema  *jsonschema.Schema
	initErr error
}

func newValidatedTool(t agent.Tool) *validatedTool {
	return &validatedTool{Tool: t}
}

func (v *validatedTool) compile() {
	name := fmt.Sprintf("quoroom://tools/%s.json", v.Name())
	v.schema, v.initErr = jsonschema.CompileString(name, string(v.Schema()))
}

func (v *validatedTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	v.once.Do(v.compile)
	if v.initErr != nil {
		return nil, agent.NewToolError(v.Name(), v.initErr)
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "arguments are not valid JSON: %v", err))
	}
	if err := v.schema.Validate(decoded); err != nil {
		return errResult(models.NewError(models.KindInvalidInput, "arguments do not match the tool schema: %v", err))
	}
	return v.Tool.Execute(ctx, params)
}
