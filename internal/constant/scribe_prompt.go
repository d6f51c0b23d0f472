package constant

const (
	TurnRoleUser   = "user"
	TurnRoleModel  = "model"
	TurnRoleSystem = "system"

	// Audit keys of the LLM exchanges of a cycle.
	TurnKeyTranscript   = "transcript"
	TurnKeyInstructions = "instructions"

	DetectInstructionsSystemPrompt = `You are a clinical scribe listening to a conversation between a clinician and a patient.
Your task is to identify the clinical instructions the clinician gives or confirms.

Supported instruction types:
%s

RULES:
1. Only use facts stated in the transcript. Never invent doses, dates or codes.
2. Keep every previously known instruction. Reuse its uuid.
3. Set "isUpdated": true on a known instruction when the transcript changes its content.
4. Set "isNew": true on an instruction that was not known before and leave its uuid empty.
5. "information" is a short free text with everything said about the instruction.
6. Use only the supported instruction types, exactly as written.

Output MUST be valid JSON: {"instructions": [{"uuid": "", "index": 0, "instruction": "type", "information": "text", "isNew": true, "isUpdated": false}]}`

	DetectInstructionsUserPrompt = `Known instructions:
%s

Transcript of the latest part of the discussion:
"""
%s
"""

Patient chart:
%s`

	CommandParametersSystemPrompt = `You are filling an EHR "%s" command: %s.
Given the information collected during the visit, return the command parameters.

Parameters:
%s

RULES:
1. Use only what the information states. Use null for unknown values.
2. Output MUST be a single JSON object with the parameters above as keys.`

	CommandParametersUserPrompt = `Information:
"""
%s
"""

Patient chart:
%s`
)
