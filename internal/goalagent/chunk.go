package goalagent

// ChunkKind discriminates the chunk variants of a turn's output stream.
type ChunkKind string

const (
	// ChunkToken carries incremental assistant text.
	ChunkToken ChunkKind = "token"

	// ChunkToolCallBegin marks the start of a tool invocation.
	ChunkToolCallBegin ChunkKind = "tool_call_begin"

	// ChunkToolCallEnd marks the end of a tool invocation and carries its
	// one-line result summary.
	ChunkToolCallEnd ChunkKind = "tool_call_end"

	// ChunkFarewell carries a termination-sequence goodbye text. Emitted by
	// the orchestrator after the Done chunk when a terminal goal is entered,
	// never by the agent.
	ChunkFarewell ChunkKind = "farewell"

	// ChunkDone ends a successful turn's reply; Text carries the full
	// assistant text, equal to the concatenation of the turn's token
	// chunks. Emitted by the orchestrator; termination-sequence chunks,
	// when any, follow it.
	ChunkDone ChunkKind = "done"

	// ChunkAborted closes a failed or cancelled turn. Emitted by the
	// orchestrator; Text carries the reason.
	ChunkAborted ChunkKind = "aborted"
)

// Chunk is one fragment of a turn's downstream output.
type Chunk struct {
	// Kind discriminates the variant.
	Kind ChunkKind

	// Text is the token text, farewell text, or abort reason.
	Text string

	// Tool is the tool name for the tool-call variants.
	Tool string

	// Summary is the invocation result summary for ChunkToolCallEnd.
	Summary string
}
