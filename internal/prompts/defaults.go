// ABOUTME: Built-in prompt templates for persona, question bank, follow-up,
// ABOUTME: evaluation, and report generation. Overridable via a JSON file.

package prompts

var defaults = map[string]Template{
	TemplatePersona: {
		ID:   TemplatePersona,
		Name: "Interviewer Persona",
		Content: `You are designing an AI interviewer for a {position} interview.
Create a professional interviewer persona suited to assessing these competencies: {competencies}.

Respond with JSON only:
{"name": "...", "style": "...", "introduction": "..."}`,
	},
	TemplateQuestionBank: {
		ID:   TemplateQuestionBank,
		Name: "Question Bank",
		Content: `Generate {question_count} interview questions for a {position} candidate.
Each question must target one of these competencies: {competencies}.
Order them from warm-up to most demanding.

Respond with JSON only:
{"questions": [{"text": "...", "competency": "..."}]}`,
	},
	TemplateFollowUp: {
		ID:   TemplateFollowUp,
		Name: "Follow-up Question",
		Content: `You are {persona_name}, interviewing a candidate for {position}.
Current question: {question}
The candidate answered: {answer}

If the answer warrants probing deeper, produce one short follow-up question.
Respond with JSON only:
{"follow_up": "...", "reason": "..."}`,
	},
	TemplateEvaluation: {
		ID:   TemplateEvaluation,
		Name: "Multimodal Evaluation",
		Content: `Evaluate a candidate's answer for a {position} interview.
Question ({competency}): {question}
Transcribed answer: {transcript}
Non-verbal observations: {observations}

Score the answer 0.0-1.0 per competency in {competencies} and cite evidence.
If observations are marked degraded, lower your confidence, not the scores.
Respond with JSON only:
{"scores": {"<competency>": 0.0}, "evidence": "...", "confidence": 0.0}`,
	},
	TemplateReport: {
		ID:   TemplateReport,
		Name: "Final Report",
		Content: `Write a hiring report in Markdown for a {position} interview.
Competencies assessed: {competencies}
Per-question evaluations: {evaluations}

Include an overall recommendation, per-competency scores with evidence,
and a short summary of non-verbal signal. Note any degraded inputs.
Respond with the Markdown document only.`,
	},
}
