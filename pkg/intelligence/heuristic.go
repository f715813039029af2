package intelligence

import (
	"context"
	"regexp"
	"strings"

	"github.com/oceanbase/memconsolidate-go/pkg/segment"
)

// Fallback produces candidates when the primary analysis fails.
type Fallback interface {
	Extract(ctx context.Context, conversation string) (*Extraction, error)
}

var preferenceRe = regexp.MustCompile(`(?i)\b(me gusta|me encanta|amo|prefiero|favorit[oa]s?|i like|i love|i prefer|i enjoy|my favou?rite)\b`)

var skillRe = regexp.MustCompile(`(?i)\b(toco|toca|tocar|canto|cantar|bailo|bailar|pinto|escribo|i play|i sing|i dance|i paint|i write)\b`)

var fearRe = regexp.MustCompile(`(?i)\b(tengo miedo|me da miedo|me aterra|i'?m afraid of|i fear|i'?m scared of)\b`)

type topicRule struct {
	category string
	tag      string
	re       *regexp.Regexp
}

var preferenceTopics = []topicRule{
	{"gustos.musica", "música", regexp.MustCompile(`(?i)(música|musica|music|rock|jazz|pop|clásica|electrónica|electronic|canciones|songs)`)},
	{"gustos.comida", "comida", regexp.MustCompile(`(?i)(comida|food|pizza|pasta|sushi|carne|pescado|tacos|chocolate)`)},
	{"gustos.deportes", "deportes", regexp.MustCompile(`(?i)(deporte|sport|fútbol|futbol|football|soccer|tenis|tennis|correr|running|nadar|swimming)`)},
	{"gustos.cine_series", "cine", regexp.MustCompile(`(?i)(película|pelicula|movie|film|serie|series|cine)`)},
	{"gustos.literatura", "libros", regexp.MustCompile(`(?i)(libro|book|novela|novel|poesía|poetry|leer|reading)`)},
	{"gustos.videojuegos", "videojuegos", regexp.MustCompile(`(?i)(videojuego|video ?game|gaming|consola|console)`)},
}

// HeuristicFallback extracts candidates with keyword rules over the rendered
// conversation. It makes no external calls.
type HeuristicFallback struct {
	Labels segment.Labels
}

// NewHeuristicFallback creates a HeuristicFallback for rendered batches using labels.
func NewHeuristicFallback(labels segment.Labels) *HeuristicFallback {
	if labels.User == "" {
		labels.User = segment.DefaultLabels.User
	}
	if labels.Persona == "" {
		labels.Persona = segment.DefaultLabels.Persona
	}
	return &HeuristicFallback{Labels: labels}
}

// Extract scans every message of the rendered conversation. A message starts
// at a "Speaker:" line and runs until the next one, so facts spread over
// several lines are matched whole. Text before the first known speaker is
// ignored.
func (h *HeuristicFallback) Extract(ctx context.Context, conversation string) (*Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ext := &Extraction{Fallback: true}
	for _, m := range h.split(conversation) {
		if m.fromUser {
			ext.User = append(ext.User, preferenceCandidates(m.content)...)
			if fearRe.MatchString(m.content) {
				ext.User = append(ext.User, Candidate{Category: "historia_personal.miedos", Content: m.content, Tags: []string{"miedos"}})
			}
			continue
		}
		ext.Persona = append(ext.Persona, preferenceCandidates(m.content)...)
		if skillRe.MatchString(m.content) {
			ext.Persona = append(ext.Persona, Candidate{Category: "cualidades", Content: m.content, Tags: []string{"habilidades", "cualidades"}})
		}
	}
	ext.User = cleanCandidates(ext.User)
	ext.Persona = cleanCandidates(ext.Persona)
	return ext, nil
}

type renderedMessage struct {
	fromUser bool
	content  string
}

func (h *HeuristicFallback) split(conversation string) []renderedMessage {
	userPrefix := h.Labels.User + ":"
	personaPrefix := h.Labels.Persona + ":"

	var (
		out     []renderedMessage
		current *renderedMessage
		body    []string
	)
	flush := func() {
		if current != nil {
			current.content = strings.TrimSpace(strings.Join(body, "\n"))
			out = append(out, *current)
		}
		body = body[:0]
	}
	for _, line := range strings.Split(conversation, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, userPrefix):
			flush()
			current = &renderedMessage{fromUser: true}
			body = append(body, strings.TrimPrefix(trimmed, userPrefix))
		case strings.HasPrefix(trimmed, personaPrefix):
			flush()
			current = &renderedMessage{}
			body = append(body, strings.TrimPrefix(trimmed, personaPrefix))
		case current != nil:
			body = append(body, line)
		}
	}
	flush()
	return out
}

func preferenceCandidates(content string) []Candidate {
	if content == "" || !preferenceRe.MatchString(content) {
		return nil
	}
	var out []Candidate
	for _, t := range preferenceTopics {
		if t.re.MatchString(content) {
			out = append(out, Candidate{Category: t.category, Content: content, Tags: []string{t.tag, "gustos"}})
		}
	}
	return out
}
