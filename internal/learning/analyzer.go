package learning

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/blueberrycongee/sicc/internal/behavior"
	"github.com/blueberrycongee/sicc/internal/embedding"
	"github.com/blueberrycongee/sicc/internal/memory"
)

// Analyzer inspects an interaction and proposes learnings.
type Analyzer interface {
	Analyze(ctx context.Context, ev Event) ([]Proposal, error)
}

// Rule-assigned confidences. Explicit instructions are the only proposals
// that clear the default auto-approve threshold.
const (
	ConfidenceExplicitInstruction    = 0.9
	ConfidenceConditionalInstruction = 0.8
	confidenceFeedbackBase           = 0.55
	confidenceFeedbackMax            = 0.75
)

// ContextRetrievedMemoryIDs is the event context key listing the memories
// the runtime injected into the prompt.
const ContextRetrievedMemoryIDs = "retrieved_memory_ids"

const maxTriggerKeywords = 5

// HeuristicAnalyzer is a rule-based analyzer for English and Portuguese
// conversations.
type HeuristicAnalyzer struct {
	// MinResponseRunes is the shortest assistant reply positive feedback
	// can turn into a memory.
	MinResponseRunes int
}

func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{MinResponseRunes: 40}
}

var (
	memoryMarker = regexp.MustCompile(`(?i)^\s*(?:please\s+|por favor,?\s+)?(?:remember(?:\s+that)?|keep in mind(?:\s+that)?|note that|lembre(?:-se)?(?:\s+de)?(?:\s+que)?|guarde que|anote que)\s*[:,]?\s*`)
	ruleMarker   = regexp.MustCompile(`(?i)(?:^|\s)(?:always|never|from now on|sempre|nunca|a partir de agora)(?:\s|,|$)`)
	conditional  = regexp.MustCompile(`(?i)(?:^|\s)(?:whenever|when|if|sempre que|quando|caso|se)\s+([^,;]+)[,;]\s*(.+)$`)
)

var genericTriggerTerms = map[string]struct{}{
	"customer": {}, "client": {}, "user": {}, "someone": {}, "ask": {}, "mention": {}, "talk": {}, "say": {},
	"cliente": {}, "usuario": {}, "alguem": {}, "pergunta": {}, "perguntar": {}, "falar": {}, "fala": {},
	"always": {}, "never": {}, "sempre": {}, "nunca": {},
}

var affirmatives = []string{
	"thanks", "thank", "perfect", "great", "exactly", "helpful", "awesome", "excellent", "correct",
	"obrigad", "perfeit", "otim", "exatamente", "valeu", "excelente", "certo",
}

var affirmativePhrases = []string{"that helps", "that's right", "isso mesmo", "muito bom", "ajudou"}

// Analyze emits at most one knowledge proposal per event plus a
// retrieve_log proposal when the runtime reported retrieved memories.
func (a *HeuristicAnalyzer) Analyze(ctx context.Context, ev Event) ([]Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Proposal
	if ids := retrievedIDs(ev.Context); len(ids) > 0 {
		out = append(out, Proposal{
			LearningType: "memory_retrieval",
			Analysis:     Analysis{Kind: KindRetrieveLog},
			MemoryIDs:    ids,
		})
	}

	userIdx := lastIndex(ev.Messages, "user")
	if userIdx < 0 {
		return out, nil
	}
	user := strings.TrimSpace(ev.Messages[userIdx].Content)

	if p, ok := a.instruction(user); ok {
		return append(out, p), nil
	}
	if p, ok := a.feedback(user, ev.Messages[:userIdx]); ok {
		out = append(out, p)
	}
	return out, nil
}

func (a *HeuristicAnalyzer) instruction(text string) (Proposal, bool) {
	hasMemoryMarker := memoryMarker.MatchString(text)
	hasRuleMarker := ruleMarker.MatchString(text)
	if !hasMemoryMarker && !hasRuleMarker {
		return Proposal{}, false
	}
	body := strings.TrimSpace(memoryMarker.ReplaceAllString(text, ""))
	if body == "" {
		return Proposal{}, false
	}

	if m := conditional.FindStringSubmatch(body); m != nil {
		if keywords := triggerKeywords(m[1]); len(keywords) > 0 {
			directive := capitalize(strings.TrimSpace(m[2]))
			return Proposal{
				LearningType: "behavior_instruction",
				Confidence:   ConfidenceConditionalInstruction,
				Analysis: Analysis{
					Kind:   KindLearn,
					Target: TargetPattern,
					Pattern: &PatternProposal{
						PatternType:    patternTypeFor(embedding.Fold(body)).Tag(),
						TriggerContext: behavior.TriggerContext{Keywords: keywords},
						ActionConfig:   map[string]interface{}{"instruction": directive},
						Metadata:       map[string]interface{}{"source": "explicit_instruction"},
					},
					Justification: "user gave a conditional instruction",
				},
			}, true
		}
	}

	content := capitalize(body)
	return Proposal{
		LearningType: "explicit_instruction",
		Confidence:   ConfidenceExplicitInstruction,
		Analysis: Analysis{
			Kind:   KindLearn,
			Target: TargetMemory,
			Memory: &MemoryProposal{
				Content:   content,
				ChunkType: chunkTypeFor(embedding.Fold(content)).Tag(),
				Metadata:  map[string]interface{}{"source": "explicit_instruction"},
			},
			Justification: "user asked the agent to remember this",
		},
	}, true
}

func (a *HeuristicAnalyzer) feedback(user string, history []Message) (Proposal, bool) {
	hits := affirmativeHits(embedding.Fold(user))
	if hits == 0 {
		return Proposal{}, false
	}
	idx := lastIndex(history, "assistant")
	if idx < 0 {
		return Proposal{}, false
	}
	reply := strings.TrimSpace(history[idx].Content)
	n := utf8.RuneCountInString(reply)
	if n < a.MinResponseRunes {
		return Proposal{}, false
	}

	confidence := confidenceFeedbackBase
	if hits > 1 {
		confidence += 0.1
	}
	if n >= 200 {
		confidence += 0.1
	}
	if confidence > confidenceFeedbackMax {
		confidence = confidenceFeedbackMax
	}
	return Proposal{
		LearningType: "positive_feedback",
		Confidence:   confidence,
		Analysis: Analysis{
			Kind:   KindMemorize,
			Target: TargetMemory,
			Memory: &MemoryProposal{
				Content:   reply,
				ChunkType: chunkTypeFor(embedding.Fold(reply)).Tag(),
				Metadata:  map[string]interface{}{"source": "positive_feedback"},
			},
			Justification: "user reacted positively to this answer",
		},
	}, true
}

func affirmativeHits(folded string) int {
	hits := 0
	for _, p := range affirmativePhrases {
		if strings.Contains(folded, p) {
			hits++
		}
	}
	for _, w := range words(folded) {
		for _, a := range affirmatives {
			if strings.HasPrefix(w, a) {
				hits++
				break
			}
		}
	}
	return hits
}

func triggerKeywords(clause string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range embedding.Terms(clause) {
		if utf8.RuneCountInString(t) < 3 {
			continue
		}
		if _, generic := genericTriggerTerms[t]; generic {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxTriggerKeywords {
			break
		}
	}
	return out
}

func chunkTypeFor(folded string) memory.ChunkType {
	w := words(folded)
	switch {
	case hasPrefix(w, "objection", "objecao", "complain", "reclama") || strings.Contains(folded, "too expensive") || strings.Contains(folded, "muito caro"):
		return memory.ChunkObjection
	case strings.Contains(folded, " means ") || strings.Contains(folded, "stands for") || strings.Contains(folded, "refers to") ||
		strings.Contains(folded, "significa") || strings.Contains(folded, "se refere"):
		return memory.ChunkBusinessTerm
	case hasPrefix(w, "step", "process", "procedure", "etapa", "passo", "processo", "procedimento"):
		return memory.ChunkProcess
	case hasPrefix(w, "product", "plan", "price", "pricing", "produto", "plano", "preco"):
		return memory.ChunkProduct
	case hasPrefix(w, "prefer", "like", "usually", "prefere", "gosta", "costuma"):
		return memory.ChunkInsight
	case strings.Contains(folded, "?"):
		return memory.ChunkFAQ
	default:
		return memory.ChunkGeneral
	}
}

func patternTypeFor(folded string) behavior.PatternType {
	w := words(folded)
	switch {
	case hasPrefix(w, "tone", "formal", "informal", "friendly", "polite", "tom", "educad", "simpatic"):
		return behavior.PatternToneAdjustment
	case hasPrefix(w, "objection", "objecao", "complain", "reclama", "expensive", "caro"):
		return behavior.PatternObjectionHandling
	case hasPrefix(w, "first", "before", "then", "after", "primeiro", "antes", "depois"):
		return behavior.PatternFlowOptimization
	default:
		return behavior.PatternResponseStrategy
	}
}

func words(folded string) []string {
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func hasPrefix(words []string, prefixes ...string) bool {
	for _, w := range words {
		for _, p := range prefixes {
			if strings.HasPrefix(w, p) {
				return true
			}
		}
	}
	return false
}

func lastIndex(msgs []Message, role string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return i
		}
	}
	return -1
}

func retrievedIDs(ctx map[string]interface{}) []string {
	var ids []string
	switch v := ctx[ContextRetrievedMemoryIDs].(type) {
	case []string:
		ids = append(ids, v...)
	case []interface{}:
		for _, x := range v {
			if s, ok := x.(string); ok && s != "" {
				ids = append(ids, s)
			}
		}
	}
	return ids
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
