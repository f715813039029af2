package intelligence

import (
	"fmt"
	"strings"

	"github.com/oceanbase/memconsolidate-go/pkg/storage"
)

const analysisSystemPrompt = `You are an expert analyst who extracts personal information and preferences from conversations between a user and an AI persona. Identify durable memories about tastes, qualities, personal history, relationships, emotions and anecdotes.`

// analysisPrompt builds the primary extraction prompt.
func analysisPrompt(taxonomy, conversation string) string {
	return fmt.Sprintf(`Analyze the conversation below and extract important memories.

Return three lists:
- "user": facts about the user (preferences, tastes, personal information)
- "persona": facts the persona revealed about itself
- "shared": facts that belong to both (nicknames, shared rituals, relationship dynamics)

Available categories (use "root.child" paths, or the root name when there are no children):
%s

Return EXACTLY this JSON object and nothing else:
{
  "user": [{"category": "gustos.musica", "content": "likes rock and jazz", "tags": ["rock", "jazz"]}],
  "persona": [{"category": "cualidades", "content": "plays the guitar and sings in Italian", "tags": ["guitar", "singing"]}],
  "shared": [{"category": "relaciones.nicknames", "content": "they call each other 'mi amor'", "tags": ["nickname"]}]
}

Rules:
- Only extract specific, relevant information
- Use the exact category names from the list
- Keep the language of the conversation
- Return an empty array for a list with no information

CONVERSATION:
%s`, taxonomy, conversation)
}

// fallbackPrompt is the simpler prompt used for the single fallback call.
func fallbackPrompt(taxonomy, conversation string) string {
	return fmt.Sprintf(`Extract the important memories from this conversation.

CONVERSATION:
%s

EXTRACT:
- user_memories: preferences, tastes and personal information of the user
- persona_memories: preferences, tastes and personal information of the persona
- shared_memories: information shared by both

CATEGORIES:
%s

JSON FORMAT:
{"user_memories": [{"category": "...", "content": "...", "tags": ["..."]}], "persona_memories": [], "shared_memories": []}

If there is no information of a kind, return an empty array.`, conversation, taxonomy)
}

// taxonomyListing renders one line per root: "- gustos: musica, comida".
func taxonomyListing(tree *storage.CategoryTree) string {
	if tree == nil || tree.Len() == 0 {
		return nodesListing(storage.DefaultTaxonomy())
	}
	var (
		order    []string
		children = map[string][]string{}
	)
	for _, p := range tree.Paths() {
		root, rest, _ := strings.Cut(p, ".")
		if _, ok := children[root]; !ok {
			order = append(order, root)
			children[root] = nil
		}
		if rest != "" {
			children[root] = append(children[root], rest)
		}
	}
	var b strings.Builder
	for _, root := range order {
		writeListingLine(&b, root, children[root])
	}
	return strings.TrimRight(b.String(), "\n")
}

func nodesListing(nodes []storage.TaxonomyNode) string {
	var b strings.Builder
	for _, n := range nodes {
		kids := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			kids = append(kids, c.Name)
		}
		writeListingLine(&b, n.Name, kids)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeListingLine(b *strings.Builder, root string, kids []string) {
	if len(kids) == 0 {
		fmt.Fprintf(b, "- %s\n", root)
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", root, strings.Join(kids, ", "))
}
