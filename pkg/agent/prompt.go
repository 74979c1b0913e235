package agent

import (
	"fmt"
	"strings"

	"github.com/corralhq/corral/pkg/types"
)

const maxPromptComments = 10

// BuildPrompt materializes the subprocess prompt from the card context
// and the role's persona.
func BuildPrompt(role *Role, payload *types.AgentCardPayload) string {
	var b strings.Builder

	b.WriteString(role.Persona)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "## Card: %s\n\n", payload.CardTitle)
	if payload.CardBody != "" {
		b.WriteString(payload.CardBody)
		b.WriteString("\n\n")
	}

	if len(payload.Checklist) > 0 {
		b.WriteString("## Checklist\n")
		for _, item := range payload.Checklist {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}

	comments := payload.Comments
	if len(comments) > maxPromptComments {
		comments = comments[len(comments)-maxPromptComments:]
	}
	if len(comments) > 0 {
		b.WriteString("## Recent comments\n")
		for _, c := range comments {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if payload.Branch != "" {
		fmt.Fprintf(&b, "You are working on branch %s.\n", payload.Branch)
	}

	return b.String()
}
