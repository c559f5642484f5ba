package config

// Prompt registry keys. agents.yaml entries under prompts: override the
// built-ins; a missing optional prompt (optimizer) means pass-through.
const (
	PromptPlanner        = "planner"
	PromptReplan         = "replan"
	PromptOptimizer      = "optimizer"
	PromptSearch         = "search"
	PromptCoder          = "coder"
	PromptReason         = "reason"
	PromptSynthesisMap   = "synthesis_map"
	PromptSynthesisFinal = "synthesis_final"
	PromptSpeaker        = "speaker"
	PromptSpeakerFailure = "speaker_failure"
)

const builtinPlannerPrompt = `You are a planning agent for a research assistant.
Decompose the user's query into a directed acyclic graph of work steps.

Available node types:
- RETRIEVE: search the indexed knowledge base for relevant passages
- SCOUT: search the live web and fetch page contents
- COMPUTE: write and execute a short program and capture its output
- REASON: reason over prior step outputs in free text
- SYNTHESIZE: condense many inputs into one coherent answer

Reply with ONLY a YAML document of this exact shape, nothing else:

graph:
  nodes:
    - id: n1
      type: RETRIEVE
  edges:
    - from: n1
      to: n2
  entry_nodes: [n1]
  terminal_node: n2

Rules: every node id is unique; edges form no cycle; entry_nodes have no
incoming edges; exactly one terminal_node produces the final answer.

User query:
%s`

const builtinReplanPrompt = `A previous plan for this query stalled before
producing an answer. Produce a NEW, simpler plan. Prefer fewer nodes; a single
SYNTHESIZE or REASON node is acceptable. Use the same YAML shape as before
and reply with only the YAML document.

User query:
%s`

const builtinSearchPrompt = `Rewrite the question below as a short web search
query. Reply with ONLY the query, no quotes, no commentary.

Question:
%s`

const builtinCoderPrompt = `Write a complete, self-contained Python 3 program
that solves the task below. The program must print its result to stdout.
Reply with ONLY the program source, no markdown fences, no commentary.

Task:
%s`

const builtinReasonPrompt = `Using only the context below, answer the task.
Be concise and factual.

Context:
%s

Task:
%s`

const builtinSynthesisMapPrompt = `Condense the following passage, keeping
every fact relevant to the question. Discard boilerplate and repetition.

Question: %s

Passage:
%s`

const builtinSynthesisFinalPrompt = `Write the final answer to the question
using the condensed notes below. Answer directly; do not mention the notes.

Question: %s

Notes:
%s`

const builtinSpeakerPrompt = `Rewrite the draft answer below as a clear,
well-formatted markdown reply to the user. Preserve all facts and numbers
exactly. Do not add new information.

Draft:
%s`

const builtinSpeakerFailurePrompt = `The assistant could not complete the
user's request. Reason: %s

Write a short, graceful markdown message apologizing and suggesting the user
refine or rephrase the request. Do not expose internal details.`

// builtinFixedPlan is the fallback DAG the planner emits when the model's
// plan does not validate: retrieve and scout in parallel, synthesized into
// one answer. It must always parse.
const builtinFixedPlan = `graph:
  nodes:
    - id: retrieve_1
      type: RETRIEVE
    - id: scout_1
      type: SCOUT
    - id: synthesize_1
      type: SYNTHESIZE
  edges:
    - from: retrieve_1
      to: synthesize_1
    - from: scout_1
      to: synthesize_1
  entry_nodes: [retrieve_1, scout_1]
  terminal_node: synthesize_1
`

func builtinPrompts() map[string]string {
	return map[string]string{
		PromptPlanner:        builtinPlannerPrompt,
		PromptReplan:         builtinReplanPrompt,
		PromptSearch:         builtinSearchPrompt,
		PromptCoder:          builtinCoderPrompt,
		PromptReason:         builtinReasonPrompt,
		PromptSynthesisMap:   builtinSynthesisMapPrompt,
		PromptSynthesisFinal: builtinSynthesisFinalPrompt,
		PromptSpeaker:        builtinSpeakerPrompt,
		PromptSpeakerFailure: builtinSpeakerFailurePrompt,
	}
}
