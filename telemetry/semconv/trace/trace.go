package trace

// https://github.com/open-telemetry/semantic-conventions/blob/main/docs/general/recording-errors.md
// telemetry attributes constants.
var (
	ResourceServiceNamespace = "trpc-go-graph"
	ResourceServiceName      = "telemetry"
	ResourceServiceVersion   = "v0.1.0"

	KeyEventID      = "trpc.go.graph.event_id"
	KeyInvocationID = "trpc.go.graph.invocation_id"

	// Graph run attributes
	KeyGraphThreadID     = "trpc.go.graph.thread_id"
	KeyGraphNamespace    = "trpc.go.graph.checkpoint_ns"
	KeyGraphCheckpointID = "trpc.go.graph.checkpoint_id"
	KeyGraphRunName      = "trpc.go.graph.run_name"
	KeyGraphStepCount    = "trpc.go.graph.step_count"
	KeyGraphResumed      = "trpc.go.graph.resumed"
	KeyGraphInterrupted  = "trpc.go.graph.interrupted"
	KeyGraphInterruptKey = "trpc.go.graph.interrupt.key"

	// Node task attributes
	KeyGraphNodeID    = "trpc.go.graph.node.id"
	KeyGraphNodeType  = "trpc.go.graph.node.type"
	KeyGraphTaskID    = "trpc.go.graph.task.id"
	KeyGraphStep      = "trpc.go.graph.step"
	KeyGraphWriteKeys = "trpc.go.graph.write_keys"

	// Checkpoint attributes
	KeyCheckpointSource = "trpc.go.graph.checkpoint.source"

	// Operation attribute, shared by spans and metrics
	KeyGraphOperationName = "trpc.go.graph.operation.name"

	// https://github.com/open-telemetry/semantic-conventions/blob/main/docs/general/recording-errors.md#recording-errors-on-spans
	KeyErrorType          = "error.type"
	KeyErrorMessage       = "error.message"
	ValueDefaultErrorType = "_OTHER"

	// System value
	SystemTRPCGoGraph = "trpc.go.graph"
)
