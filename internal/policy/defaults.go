package policy

// DefaultAllowedHosts are the AI API endpoints allowed when no policy file
// is given.
var DefaultAllowedHosts = []string{
	"api.openai.com",
	"api.anthropic.com",
	"generativelanguage.googleapis.com",
	"api.cohere.ai",
	"api.mistral.ai",
}

// DefaultRules catch the common instruction-override and prompt-exfiltration
// phrasings.
var DefaultRules = []Rule{
	{ID: "instruction-override", Pattern: `(ignore|disregard|forget|skip|bypass|override)\s+(all\s+)?(the\s+|your\s+)?(previous|above|prior|system)\s+(instructions?|rules?|context|prompts?)`},
	{ID: "forget-everything", Pattern: `forget\s+(everything|all)\s+(you|and|that|above)`},
	{ID: "persona-switch", Pattern: `(act|behave)\s+(as|like)\s+(a\s+|an\s+)?(different|unrestricted|unfiltered|jailbroken|evil)\s+(ai|assistant|model|chatbot)`},
	{ID: "safety-override", Pattern: `(override|bypass|disable|ignore)\s+(your\s+|all\s+|the\s+)?(safety|content|ethical)\s+(guidelines|filters?|polic(y|ies)|rules|restrictions)`},
	{ID: "prompt-exfiltration", Pattern: `(show|reveal|display|print|output|repeat|recite)\s+(me\s+)?(all\s+)?(your\s+)?(system\s+|initial\s+|original\s+)(instructions?|prompts?)`},
	{ID: "jailbreak-dan", Pattern: `\b(do\s+anything\s+now|DAN\s+mode|developer\s+mode\s+enabled)\b`},
	{ID: "role-tag-injection", Pattern: `</?(system|im_start|im_end)>|<\|im_(start|end)\|>`},
}

// DefaultConfig is the policy used when no policy file is configured.
func DefaultConfig() Config {
	return Config{
		AllowedHosts: append([]string(nil), DefaultAllowedHosts...),
		Rules:        append([]Rule(nil), DefaultRules...),
	}
}
